package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rudransh-shrivastava/peer-chat/internal/config"
	"github.com/rudransh-shrivastava/peer-chat/internal/dispatch"
	"github.com/rudransh-shrivastava/peer-chat/internal/handshake"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recordingListener struct {
	BaseListener

	peers            chan []peer.Peer
	requests         chan IncomingRequest
	accepted         chan peer.Peer
	declined         chan peer.Peer
	failures         chan error
	advertiseTimeout chan struct{}
	scanTimeout      chan struct{}

	autoAnswer func(IncomingRequest)
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		peers:            make(chan []peer.Peer, 64),
		requests:         make(chan IncomingRequest, 8),
		accepted:         make(chan peer.Peer, 8),
		declined:         make(chan peer.Peer, 8),
		failures:         make(chan error, 8),
		advertiseTimeout: make(chan struct{}, 8),
		scanTimeout:      make(chan struct{}, 8),
	}
}

func (l *recordingListener) OnPeersChanged(peers []peer.Peer) { l.peers <- peers }
func (l *recordingListener) OnAdvertiseTimeout()              { l.advertiseTimeout <- struct{}{} }
func (l *recordingListener) OnScanTimeout()                   { l.scanTimeout <- struct{}{} }
func (l *recordingListener) OnRequestAccepted(p peer.Peer)    { l.accepted <- p }
func (l *recordingListener) OnRequestDeclined(p peer.Peer)    { l.declined <- p }
func (l *recordingListener) OnSendFailure(_ peer.Peer, err error) {
	l.failures <- err
}

func (l *recordingListener) OnIncomingRequest(req IncomingRequest) {
	if l.autoAnswer != nil {
		l.autoAnswer(req)
	}
	l.requests <- req
}

type fakeReceiver struct {
	frames chan []byte
	failed chan error
	closed chan struct{}
}

func (r *fakeReceiver) Deliver(data []byte)                     { r.frames <- data }
func (r *fakeReceiver) SendFailed(_ transport.JobID, err error) { r.failed <- err }
func (r *fakeReceiver) LinkClosed()                             { close(r.closed) }

type fakeChats struct {
	links     chan Link
	receivers chan *fakeReceiver
}

func newFakeChats() *fakeChats {
	return &fakeChats{links: make(chan Link, 4), receivers: make(chan *fakeReceiver, 4)}
}

func (c *fakeChats) StartChat(link Link) ChatReceiver {
	recv := &fakeReceiver{
		frames: make(chan []byte, 8),
		failed: make(chan error, 8),
		closed: make(chan struct{}),
	}
	c.links <- link
	c.receivers <- recv
	return recv
}

type testNode struct {
	*Node
	endpoint *memory.Endpoint
	listener *recordingListener
	chats    *fakeChats
	clock    *clock.Mock
	cancel   context.CancelFunc
	done     chan error
}

func startNode(t *testing.T, net *memory.Network, id string) *testNode {
	t.Helper()

	ep, err := net.Join(id)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Node.Handle = id + "-handle"

	tn := &testNode{
		endpoint: ep,
		listener: newRecordingListener(),
		chats:    newFakeChats(),
		clock:    clock.NewMock(),
		done:     make(chan error, 1),
	}

	n, err := New(Options{
		Config:    cfg,
		Transport: ep,
		Discovery: ep,
		Clock:     tn.clock,
		Logger:    logger.Discard(),
		Listener:  tn.listener,
		Chats:     tn.chats,
	})
	require.NoError(t, err)
	tn.Node = n

	ctx, cancel := context.WithCancel(context.Background())
	tn.cancel = cancel
	go func() { tn.done <- n.Run(ctx) }()

	t.Cleanup(func() {
		tn.stop(t)
		_ = ep.Close()
	})
	return tn
}

func (tn *testNode) stop(t *testing.T) {
	t.Helper()
	tn.cancel()
	select {
	case err, ok := <-tn.done:
		if ok {
			assert.NoError(t, err)
			close(tn.done)
		}
	case <-time.After(waitFor):
		t.Fatal("node did not stop")
	}
}

func (tn *testNode) status(t *testing.T) Status {
	t.Helper()
	st, err := tn.Status(context.Background())
	require.NoError(t, err)
	return st
}

// advance moves the mock clock and lets the resulting posts run.
func (tn *testNode) advance(t *testing.T, d time.Duration) {
	t.Helper()
	tn.clock.Add(d)
	time.Sleep(10 * time.Millisecond)
	_, err := tn.Status(context.Background())
	require.NoError(t, err)
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func (tn *testNode) contactCount(t *testing.T) int {
	t.Helper()
	var count int
	require.NoError(t, tn.loop.Do(context.Background(), func() error {
		count = len(tn.contacts)
		return nil
	}))
	return count
}

func waitForPeer(t *testing.T, tn *testNode, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		peers, err := tn.Peers(context.Background())
		if err != nil {
			return false
		}
		for _, p := range peers {
			if p.ID == id {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingDependencies)
}

func TestAliceAndBobReachChat(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	require.NoError(t, alice.BeginAdvertising(ctx, "Alice"))
	require.NoError(t, alice.BeginDiscovering(ctx))
	require.NoError(t, bob.BeginDiscovering(ctx))

	waitForPeer(t, bob, "alice")
	peers, err := bob.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "Alice", peers[0].Handle)

	require.NoError(t, bob.RequestChat(ctx, "alice"))
	st, err := bob.HandshakeState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, handshake.RequestSent, st)

	req := receive(t, alice.listener.requests, "incoming request")
	assert.Equal(t, "bob", req.Peer.ID)
	st, err = alice.HandshakeState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, handshake.RequestReceived, st)
	require.NoError(t, req.Accept())

	assert.Equal(t, "bob", receive(t, alice.listener.accepted, "alice accepted").ID)
	gotAlice := receive(t, bob.listener.accepted, "bob accepted")
	assert.Equal(t, "alice", gotAlice.ID)
	assert.Equal(t, "Alice", gotAlice.Handle, "handle survives discovery teardown")

	for _, tn := range []*testNode{alice, bob} {
		st := tn.status(t)
		assert.False(t, st.Advertising)
		assert.False(t, st.Discovering)
		assert.Empty(t, st.Handshakes)
		assert.Len(t, st.Chats, 1)

		peers, err := tn.Peers(ctx)
		require.NoError(t, err)
		assert.Empty(t, peers)
	}

	bobLink := receive(t, bob.chats.links, "bob link")
	assert.Equal(t, "alice", bobLink.Peer.ID)
	aliceRecv := receive(t, alice.chats.receivers, "alice receiver")

	frame, err := protocol.NewCodec().EncodeToBytes(protocol.ChatFrame{Body: "hi alice"})
	require.NoError(t, err)
	bobLink.Send(frame)

	assert.Equal(t, frame, receive(t, aliceRecv.frames, "chat frame"))
	assert.Empty(t, alice.listener.requests, "chat frames never reach the handshake")
}

func TestDeclinedRequest(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	bob.listener.autoAnswer = func(req IncomingRequest) {
		assert.NoError(t, req.Decline())
	}

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	receive(t, bob.listener.requests, "incoming request")

	declined := receive(t, alice.listener.declined, "decline")
	assert.Equal(t, "bob", declined.ID)

	st := alice.status(t)
	assert.True(t, st.Discovering, "a decline does not tear discovery down")
	assert.Empty(t, st.Chats)
	assert.Empty(t, alice.listener.accepted)
	assert.Empty(t, alice.chats.links)
	assert.True(t, bob.status(t).Advertising)
}

func TestAnsweredRequestsForgetContacts(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	carol := startNode(t, net, "carol")
	ctx := context.Background()

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	require.NoError(t, carol.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")
	waitForPeer(t, carol, "bob")

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	receive(t, bob.listener.requests, "request from alice")
	assert.Equal(t, 1, bob.contactCount(t))
	require.NoError(t, bob.Respond(ctx, "alice", false))
	assert.Zero(t, bob.contactCount(t))

	receive(t, alice.listener.declined, "decline")
	assert.Zero(t, alice.contactCount(t))

	require.NoError(t, carol.RequestChat(ctx, "bob"))
	req := receive(t, bob.listener.requests, "request from carol")
	require.NoError(t, req.Decline())
	receive(t, carol.listener.declined, "decline")
	assert.Zero(t, bob.contactCount(t))
}

func TestAbandonForgetsContact(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	assert.Equal(t, 1, alice.contactCount(t))

	existed, err := alice.Abandon(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, alice.contactCount(t))

	receive(t, bob.listener.requests, "request from alice")
	existed, err = bob.Abandon(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, bob.contactCount(t))
}

func TestUnrecognizedPayloadDropped(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()
	alice.status(t)
	bob.status(t)

	bob.endpoint.Send([]byte("START_CHAT"), "alice")
	bob.endpoint.Send([]byte(protocol.TokenRequest), "alice")

	req := receive(t, alice.listener.requests, "incoming request")
	assert.Equal(t, "bob", req.Peer.ID)
	assert.Empty(t, alice.listener.requests)
	st, err := alice.HandshakeState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, handshake.RequestReceived, st)
}

func TestRequestChatUnknownPeer(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")

	err := alice.RequestChat(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestRequestChatTwice(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	assert.ErrorIs(t, alice.RequestChat(ctx, "bob"), handshake.ErrRequestOutstanding)

	receive(t, bob.listener.requests, "incoming request")
	select {
	case <-bob.listener.requests:
		t.Fatal("second request should not be sent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendFailureResetsRequest(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")

	cause := errors.New("unreachable")
	net.FailSendsTo("bob", cause)
	require.NoError(t, alice.RequestChat(ctx, "bob"))

	assert.ErrorIs(t, receive(t, alice.listener.failures, "send failure"), cause)
	st, err := alice.HandshakeState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, handshake.None, st)

	net.FailSendsTo("bob", nil)
	require.NoError(t, alice.RequestChat(ctx, "bob"), "request can be retried")
}

func TestAdvertiseTimeout(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	ctx := context.Background()

	require.NoError(t, alice.BeginAdvertising(ctx, ""))
	alice.advance(t, 59*time.Second)
	assert.True(t, alice.status(t).Advertising)

	alice.advance(t, time.Second)
	receive(t, alice.listener.advertiseTimeout, "advertise timeout")
	assert.False(t, alice.status(t).Advertising)

	alice.advance(t, 60*time.Second)
	assert.Empty(t, alice.listener.advertiseTimeout, "timeout fires once")
}

func TestScanTimeoutClearsPeers(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")

	alice.advance(t, 10*time.Second)
	receive(t, alice.listener.scanTimeout, "scan timeout")

	peers, err := alice.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.ErrorIs(t, alice.RequestChat(ctx, "bob"), ErrUnknownPeer)
}

func TestByeEndsChat(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	bob := startNode(t, net, "bob")
	ctx := context.Background()

	bob.listener.autoAnswer = func(req IncomingRequest) {
		assert.NoError(t, req.Accept())
	}

	require.NoError(t, bob.BeginAdvertising(ctx, ""))
	require.NoError(t, alice.BeginDiscovering(ctx))
	waitForPeer(t, alice, "bob")
	require.NoError(t, alice.RequestChat(ctx, "bob"))

	receive(t, alice.listener.accepted, "alice accepted")
	aliceLink := receive(t, alice.chats.links, "alice link")
	aliceRecv := receive(t, alice.chats.receivers, "alice receiver")

	aliceLink.Close()
	receive(t, aliceRecv.closed, "link closed")
	assert.Empty(t, alice.status(t).Chats)
	assert.ErrorIs(t, alice.EndChat(ctx, "bob"), ErrNoChat)

	require.NoError(t, bob.EndChat(ctx, "alice"))
}

func TestStoppedNodeRejectsCalls(t *testing.T) {
	net := memory.NewNetwork()
	alice := startNode(t, net, "alice")
	ctx := context.Background()

	require.NoError(t, alice.BeginAdvertising(ctx, ""))
	alice.stop(t)

	assert.ErrorIs(t, alice.BeginDiscovering(ctx), dispatch.ErrClosed)
	_, err := alice.Peers(ctx)
	assert.ErrorIs(t, err, dispatch.ErrClosed)
	assert.ErrorIs(t, IncomingRequest{Peer: peer.Peer{ID: "bob"}, n: alice.Node}.Accept(), dispatch.ErrClosed)
}

func TestZeroIncomingRequest(t *testing.T) {
	var req IncomingRequest
	assert.ErrorIs(t, req.Accept(), handshake.ErrNoPendingRequest)
	assert.ErrorIs(t, req.Decline(), handshake.ErrNoPendingRequest)
}
