package handshake

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPayload struct {
	job    transport.JobID
	data   string
	peerID string
}

type fakeSender struct {
	sent []sentPayload
}

func (s *fakeSender) Send(data []byte, peerID string) transport.JobID {
	job := transport.JobID(fmt.Sprintf("job-%d", len(s.sent)+1))
	s.sent = append(s.sent, sentPayload{job: job, data: string(data), peerID: peerID})
	return job
}

func (s *fakeSender) last() sentPayload {
	return s.sent[len(s.sent)-1]
}

type sendFailure struct {
	peerID string
	job    transport.JobID
	err    error
}

type recordingListener struct {
	coord    *Coordinator
	requests []Request
	accepted []string
	declined []string
	failures []sendFailure

	stateAtAccept State
}

func (l *recordingListener) OnIncomingRequest(req Request) { l.requests = append(l.requests, req) }

func (l *recordingListener) OnRequestAccepted(peerID string) {
	l.accepted = append(l.accepted, peerID)
	if l.coord != nil {
		l.stateAtAccept = l.coord.State(peerID)
	}
}

func (l *recordingListener) OnRequestDeclined(peerID string) {
	l.declined = append(l.declined, peerID)
}

func (l *recordingListener) OnSendFailure(peerID string, job transport.JobID, err error) {
	l.failures = append(l.failures, sendFailure{peerID: peerID, job: job, err: err})
}

func newCoordinator(t *testing.T, localID string) (*Coordinator, *fakeSender, *recordingListener) {
	t.Helper()

	sender := &fakeSender{}
	listener := &recordingListener{}
	c, err := New(Config{
		LocalID:  localID,
		Sender:   sender,
		Listener: listener,
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)
	listener.coord = c
	return c, sender, listener
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{LocalID: "a"})
	assert.ErrorIs(t, err, ErrMissingDependencies)
}

func TestSendRequestTwiceFailsWithoutResend(t *testing.T) {
	c, sender, _ := newCoordinator(t, "alice")

	require.NoError(t, c.SendRequest("bob"))
	assert.Equal(t, RequestSent, c.State("bob"))

	err := c.SendRequest("bob")
	assert.ErrorIs(t, err, ErrRequestOutstanding)
	assert.Equal(t, RequestSent, c.State("bob"))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "start_chat", sender.sent[0].data)
	assert.Equal(t, "bob", sender.sent[0].peerID)
}

func TestSendRequestToSelf(t *testing.T) {
	c, sender, _ := newCoordinator(t, "alice")

	assert.ErrorIs(t, c.SendRequest("alice"), ErrSelf)
	assert.Empty(t, sender.sent)
}

func TestSendRequestWhileRequestReceived(t *testing.T) {
	c, sender, _ := newCoordinator(t, "alice")

	c.OnIncoming([]byte("start_chat"), "bob")
	assert.ErrorIs(t, c.SendRequest("bob"), ErrRequestOutstanding)
	assert.Empty(t, sender.sent)
}

func TestIncomingRequestFiresOnce(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")

	c.OnIncoming([]byte("start_chat"), "bob")

	require.Len(t, listener.requests, 1)
	assert.Equal(t, "bob", listener.requests[0].From)
	assert.Equal(t, RequestReceived, c.State("bob"))

	c.OnIncoming([]byte("start_chat"), "bob")
	assert.Len(t, listener.requests, 1, "duplicate request ignored")
	assert.Empty(t, sender.sent)
}

func TestRespondAcceptSendsOnceAndClears(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	c.OnIncoming([]byte("start_chat"), "bob")

	require.NoError(t, c.RespondAccept("bob"))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "accept_request", sender.sent[0].data)
	assert.Equal(t, "bob", sender.sent[0].peerID)
	assert.Equal(t, []string{"bob"}, listener.accepted)
	assert.Equal(t, Accepted, listener.stateAtAccept)
	assert.Equal(t, None, c.State("bob"))
	assert.Empty(t, c.Active())

	assert.ErrorIs(t, c.RespondAccept("bob"), ErrNoPendingRequest)
	assert.Len(t, sender.sent, 1)
}

func TestRequestActions(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	c.OnIncoming([]byte("start_chat"), "bob")
	require.Len(t, listener.requests, 1)
	req := listener.requests[0]

	require.NoError(t, req.Accept())
	assert.ErrorIs(t, req.Accept(), ErrNoPendingRequest)
	assert.ErrorIs(t, req.Decline(), ErrNoPendingRequest)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, None, c.State("bob"))
}

func TestZeroRequest(t *testing.T) {
	var req Request
	assert.ErrorIs(t, req.Accept(), ErrNoPendingRequest)
	assert.ErrorIs(t, req.Decline(), ErrNoPendingRequest)
}

func TestRespondDecline(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	c.OnIncoming([]byte("start_chat"), "bob")

	require.NoError(t, listener.requests[0].Decline())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "decline_request", sender.sent[0].data)
	assert.Empty(t, listener.accepted)
	assert.Empty(t, listener.declined)
	assert.Equal(t, None, c.State("bob"))
}

func TestRespondWithoutRequest(t *testing.T) {
	c, sender, _ := newCoordinator(t, "alice")

	assert.ErrorIs(t, c.RespondAccept("bob"), ErrNoPendingRequest)
	assert.ErrorIs(t, c.RespondDecline("bob"), ErrNoPendingRequest)

	require.NoError(t, c.SendRequest("bob"))
	assert.ErrorIs(t, c.RespondAccept("bob"), ErrNoPendingRequest)
	assert.Len(t, sender.sent, 1)
}

func TestDeclineAfterRequestSent(t *testing.T) {
	c, _, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))

	c.OnIncoming([]byte("decline_request"), "bob")

	assert.Equal(t, []string{"bob"}, listener.declined)
	assert.Empty(t, listener.accepted)
	assert.Equal(t, None, c.State("bob"))
}

func TestAcceptAfterRequestSent(t *testing.T) {
	c, _, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))

	c.OnIncoming([]byte("accept_request"), "bob")

	assert.Equal(t, []string{"bob"}, listener.accepted)
	assert.Equal(t, Accepted, listener.stateAtAccept)
	assert.Equal(t, None, c.State("bob"))

	// a retransmitted accept finds nothing to complete
	c.OnIncoming([]byte("accept_request"), "bob")
	assert.Len(t, listener.accepted, 1)
}

func TestOutOfSequenceMessagesIgnored(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")

	c.OnIncoming([]byte("accept_request"), "bob")
	c.OnIncoming([]byte("decline_request"), "bob")
	c.OnIncoming([]byte("hello bob here"), "bob")
	c.OnIncoming(nil, "bob")
	assert.Equal(t, None, c.State("bob"))

	c.OnIncoming([]byte("start_chat"), "carol")
	c.OnIncoming([]byte("accept_request"), "carol")
	c.OnIncoming([]byte("decline_request"), "carol")
	assert.Equal(t, RequestReceived, c.State("carol"))

	assert.Empty(t, listener.accepted)
	assert.Empty(t, listener.declined)
	assert.Empty(t, sender.sent)
}

func TestAnswerFromOtherPeerIgnored(t *testing.T) {
	c, _, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))

	c.OnIncoming([]byte("accept_request"), "mallory")

	assert.Empty(t, listener.accepted)
	assert.Equal(t, RequestSent, c.State("bob"))
}

func TestFailedRequestResetsState(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))
	job := sender.last().job

	cause := errors.New("peer unreachable")
	c.HandleSendResult(transport.SendResult{Job: job, PeerID: "bob", Err: cause})

	assert.Equal(t, None, c.State("bob"))
	require.Len(t, listener.failures, 1)
	assert.Equal(t, "bob", listener.failures[0].peerID)
	assert.Equal(t, job, listener.failures[0].job)
	assert.ErrorIs(t, listener.failures[0].err, cause)

	require.NoError(t, c.SendRequest("bob"), "retry allowed after failure")
	assert.Len(t, sender.sent, 2)
}

func TestStaleFailureKeepsNewRequest(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))
	oldJob := sender.last().job

	assert.True(t, c.Abandon("bob"))
	require.NoError(t, c.SendRequest("bob"))

	c.HandleSendResult(transport.SendResult{Job: oldJob, PeerID: "bob", Err: errors.New("late")})

	assert.Equal(t, RequestSent, c.State("bob"))
	assert.Len(t, listener.failures, 1)
}

func TestFailedAcceptReported(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	c.OnIncoming([]byte("start_chat"), "bob")
	require.NoError(t, c.RespondAccept("bob"))

	c.HandleSendResult(transport.SendResult{Job: sender.last().job, PeerID: "bob", Err: errors.New("reset")})

	require.Len(t, listener.failures, 1)
	assert.Equal(t, None, c.State("bob"))
	assert.Len(t, listener.accepted, 1)
}

func TestSuccessfulAndUnknownResults(t *testing.T) {
	c, sender, listener := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))

	c.HandleSendResult(transport.SendResult{Job: sender.last().job, PeerID: "bob"})
	c.HandleSendResult(transport.SendResult{Job: "unknown", PeerID: "bob", Err: errors.New("x")})

	assert.Empty(t, listener.failures)
	assert.Equal(t, RequestSent, c.State("bob"))
}

// link delivers the last payload one coordinator sent to the other.
func link(t *testing.T, from *fakeSender, fromID string, to *Coordinator, index int) {
	t.Helper()
	require.Greater(t, len(from.sent), index)
	to.OnIncoming([]byte(from.sent[index].data), fromID)
}

func TestCrossingRequestsResolveByIdentity(t *testing.T) {
	alice, aliceSent, aliceEvents := newCoordinator(t, "a-peer")
	bob, bobSent, bobEvents := newCoordinator(t, "b-peer")

	require.NoError(t, alice.SendRequest("b-peer"))
	require.NoError(t, bob.SendRequest("a-peer"))

	// bob has the larger id and waits
	link(t, aliceSent, "a-peer", bob, 0)
	assert.Empty(t, bobEvents.requests)
	assert.Equal(t, RequestSent, bob.State("a-peer"))
	assert.Len(t, bobSent.sent, 1)

	// alice has the smaller id and accepts
	link(t, bobSent, "b-peer", alice, 0)
	assert.Empty(t, aliceEvents.requests)
	require.Len(t, aliceSent.sent, 2)
	assert.Equal(t, protocol.TokenAccept, aliceSent.sent[1].data)
	assert.Equal(t, []string{"b-peer"}, aliceEvents.accepted)
	assert.Equal(t, None, alice.State("b-peer"))

	link(t, aliceSent, "a-peer", bob, 1)
	assert.Equal(t, []string{"a-peer"}, bobEvents.accepted)
	assert.Equal(t, None, bob.State("a-peer"))
}

func TestCrossingRequestSurfacesWhenOwnRequestFails(t *testing.T) {
	alice, aliceSent, _ := newCoordinator(t, "a-peer")
	bob, bobSent, bobEvents := newCoordinator(t, "b-peer")

	require.NoError(t, alice.SendRequest("b-peer"))
	require.NoError(t, bob.SendRequest("a-peer"))

	// bob holds alice's request back, then his own never leaves
	link(t, aliceSent, "a-peer", bob, 0)
	require.Empty(t, bobEvents.requests)
	bob.HandleSendResult(transport.SendResult{Job: bobSent.sent[0].job, PeerID: "a-peer", Err: errors.New("unreachable")})

	require.Len(t, bobEvents.failures, 1)
	require.Len(t, bobEvents.requests, 1)
	assert.Equal(t, "a-peer", bobEvents.requests[0].From)
	assert.Equal(t, RequestReceived, bob.State("a-peer"))

	require.NoError(t, bobEvents.requests[0].Accept())
	assert.Equal(t, protocol.TokenAccept, bobSent.last().data)

	link(t, bobSent, "b-peer", alice, 1)
	assert.Equal(t, None, alice.State("b-peer"))
	assert.Equal(t, []string{"a-peer"}, bobEvents.accepted)
}

func TestAbandonForgetsHeldCrossingRequest(t *testing.T) {
	bob, bobSent, bobEvents := newCoordinator(t, "b-peer")
	require.NoError(t, bob.SendRequest("a-peer"))
	bob.OnIncoming([]byte(protocol.TokenRequest), "a-peer")

	assert.True(t, bob.Abandon("a-peer"))
	bob.HandleSendResult(transport.SendResult{Job: bobSent.sent[0].job, PeerID: "a-peer", Err: errors.New("unreachable")})

	assert.Empty(t, bobEvents.requests)
	assert.Equal(t, None, bob.State("a-peer"))
}

func TestAbandonAndReset(t *testing.T) {
	c, _, _ := newCoordinator(t, "alice")
	require.NoError(t, c.SendRequest("bob"))
	c.OnIncoming([]byte("start_chat"), "carol")

	assert.False(t, c.Abandon("dave"))
	assert.True(t, c.Abandon("bob"))
	assert.Equal(t, None, c.State("bob"))
	assert.Equal(t, map[string]State{"carol": RequestReceived}, c.Active())

	c.Reset()
	assert.Empty(t, c.Active())
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		None:            "none",
		RequestSent:     "request_sent",
		RequestReceived: "request_received",
		Accepted:        "accepted",
		Declined:        "declined",
		State(42):       "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
	assert.True(t, Accepted.Terminal())
	assert.True(t, Declined.Terminal())
	assert.False(t, RequestSent.Terminal())
}
