// Package handshake implements the three-message chat request protocol:
// start_chat, answered by accept_request or decline_request.
package handshake

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingDependencies = errors.New("handshake: local id, sender and listener are required")
	ErrNoPendingRequest    = errors.New("no pending request from peer")
	ErrRequestOutstanding  = errors.New("handshake already in progress with peer")
	ErrSelf                = errors.New("cannot request a chat with yourself")
)

// Sender is the part of the transport the coordinator needs.
type Sender interface {
	Send(data []byte, peerID string) transport.JobID
}

// Listener receives handshake events. Calls happen on the caller's context.
type Listener interface {
	OnIncomingRequest(req Request)
	OnRequestAccepted(peerID string)
	OnRequestDeclined(peerID string)
	OnSendFailure(peerID string, job transport.JobID, err error)
}

// Request is a chat request received from From and not yet answered. Accept
// and Decline fail with ErrNoPendingRequest once the request is gone.
type Request struct {
	From string

	accept  func() error
	decline func() error
}

func NewRequest(from string, accept, decline func() error) Request {
	return Request{From: from, accept: accept, decline: decline}
}

func (r Request) Accept() error {
	if r.accept == nil {
		return ErrNoPendingRequest
	}
	return r.accept()
}

func (r Request) Decline() error {
	if r.decline == nil {
		return ErrNoPendingRequest
	}
	return r.decline()
}

type Config struct {
	// LocalID breaks ties when both peers send start_chat to each other.
	LocalID  string
	Sender   Sender
	Listener Listener
	Logger   logrus.FieldLogger
}

type sentMessage struct {
	peerID  string
	msgType protocol.MessageType
}

// Coordinator tracks one handshake per peer. It is not safe for concurrent
// use; every method must be called from the same execution context.
type Coordinator struct {
	cfg    Config
	codec  *protocol.Codec
	logger logrus.FieldLogger

	states      map[string]State
	outstanding map[string]transport.JobID
	jobs        map[transport.JobID]sentMessage
	// crossed holds peers whose start_chat arrived while ours was still
	// outstanding and we were the side waiting for the answer.
	crossed map[string]bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.LocalID == "" || cfg.Sender == nil || cfg.Listener == nil {
		return nil, ErrMissingDependencies
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Coordinator{
		cfg:         cfg,
		codec:       protocol.NewCodec(),
		logger:      log.WithField("component", "handshake"),
		states:      make(map[string]State),
		outstanding: make(map[string]transport.JobID),
		jobs:        make(map[transport.JobID]sentMessage),
		crossed:     make(map[string]bool),
	}, nil
}

// State returns the handshake state with peerID; None when nothing is tracked.
func (c *Coordinator) State(peerID string) State {
	return c.states[peerID]
}

// Active returns a copy of every tracked non-None state.
func (c *Coordinator) Active() map[string]State {
	out := make(map[string]State, len(c.states))
	for id, s := range c.states {
		out[id] = s
	}
	return out
}

// SendRequest asks peerID for a chat. It fails without sending anything if a
// handshake with peerID is already in progress.
func (c *Coordinator) SendRequest(peerID string) error {
	if peerID == c.cfg.LocalID {
		return ErrSelf
	}
	if st := c.states[peerID]; st != None {
		return fmt.Errorf("%w: %s (%s)", ErrRequestOutstanding, peerID, st)
	}

	c.states[peerID] = RequestSent
	c.outstanding[peerID] = c.send(peerID, protocol.MsgRequest, protocol.TokenRequest)
	c.logger.WithField("peer", peerID).Info("Chat request sent")
	return nil
}

// RespondAccept accepts the pending request from peerID.
func (c *Coordinator) RespondAccept(peerID string) error {
	if c.states[peerID] != RequestReceived {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, peerID)
	}

	c.send(peerID, protocol.MsgAccept, protocol.TokenAccept)
	c.logger.WithField("peer", peerID).Info("Chat request accepted")
	c.finish(peerID, Accepted, func() { c.cfg.Listener.OnRequestAccepted(peerID) })
	return nil
}

// RespondDecline declines the pending request from peerID. No event follows.
func (c *Coordinator) RespondDecline(peerID string) error {
	if c.states[peerID] != RequestReceived {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, peerID)
	}

	c.send(peerID, protocol.MsgDecline, protocol.TokenDecline)
	c.logger.WithField("peer", peerID).Info("Chat request declined")
	c.finish(peerID, Declined, nil)
	return nil
}

// OnIncoming handles a payload received from sender. Unrecognized payloads
// and messages that do not fit the current state are dropped.
func (c *Coordinator) OnIncoming(data []byte, sender string) {
	log := c.logger.WithField("peer", sender)

	msg, err := c.codec.DecodeFromBytes(data)
	if err != nil {
		log.Debugf("Ignoring payload: %v", err)
		return
	}

	state := c.states[sender]

	switch msg.Type() {
	case protocol.MsgRequest:
		switch state {
		case None:
			log.Info("Chat request received")
			c.receive(sender)
		case RequestSent:
			// Both sides asked at once. The smaller identity answers, the
			// other waits for that answer.
			if c.cfg.LocalID < sender {
				log.Info("Crossing chat requests, accepting")
				c.states[sender] = RequestReceived
				delete(c.outstanding, sender)
				_ = c.RespondAccept(sender)
			} else {
				log.Debug("Crossing chat requests, waiting for peer to accept")
				c.crossed[sender] = true
			}
		default:
			log.Debugf("Ignoring %s in state %s", msg.Type(), state)
		}

	case protocol.MsgAccept:
		if state != RequestSent {
			log.Debugf("Ignoring %s in state %s", msg.Type(), state)
			return
		}
		log.Info("Chat request accepted by peer")
		c.finish(sender, Accepted, func() { c.cfg.Listener.OnRequestAccepted(sender) })

	case protocol.MsgDecline:
		if state != RequestSent {
			log.Debugf("Ignoring %s in state %s", msg.Type(), state)
			return
		}
		log.Info("Chat request declined by peer")
		c.finish(sender, Declined, func() { c.cfg.Listener.OnRequestDeclined(sender) })

	default:
		log.Debugf("Ignoring %s message", msg.Type())
	}
}

// HandleSendResult matches a send outcome to the message it carried. A
// start_chat that could not be delivered returns the peer to None so the
// request can be retried, unless the peer's own crossing request was held
// back; that request is then surfaced as an ordinary incoming one.
func (c *Coordinator) HandleSendResult(res transport.SendResult) {
	sent, ok := c.jobs[res.Job]
	if !ok {
		return
	}
	delete(c.jobs, res.Job)

	log := c.logger.WithFields(logrus.Fields{"peer": sent.peerID, "job": res.Job})
	if res.Err == nil {
		log.Debugf("%s delivered", sent.msgType)
		return
	}

	log.Warnf("Failed to send %s: %v", sent.msgType, res.Err)
	held := false
	if sent.msgType == protocol.MsgRequest && c.outstanding[sent.peerID] == res.Job {
		delete(c.outstanding, sent.peerID)
		if c.states[sent.peerID] == RequestSent {
			delete(c.states, sent.peerID)
			held = c.crossed[sent.peerID]
		}
		delete(c.crossed, sent.peerID)
	}
	if held {
		log.Info("Chat request received")
		c.receive(sent.peerID)
	}
	c.cfg.Listener.OnSendFailure(sent.peerID, res.Job, res.Err)
}

// Tracks reports whether job carried a handshake message whose outcome has
// not been reported yet.
func (c *Coordinator) Tracks(job transport.JobID) bool {
	_, ok := c.jobs[job]
	return ok
}

// Abandon forgets any handshake with peerID. It reports whether one existed.
func (c *Coordinator) Abandon(peerID string) bool {
	_, ok := c.states[peerID]
	delete(c.states, peerID)
	delete(c.outstanding, peerID)
	delete(c.crossed, peerID)
	return ok
}

// Reset forgets every handshake. Sends already in flight still report.
func (c *Coordinator) Reset() {
	c.states = make(map[string]State)
	c.outstanding = make(map[string]transport.JobID)
	c.crossed = make(map[string]bool)
}

func (c *Coordinator) receive(peerID string) {
	c.states[peerID] = RequestReceived
	c.cfg.Listener.OnIncomingRequest(NewRequest(
		peerID,
		func() error { return c.RespondAccept(peerID) },
		func() error { return c.RespondDecline(peerID) },
	))
}

func (c *Coordinator) send(peerID string, msgType protocol.MessageType, token string) transport.JobID {
	job := c.cfg.Sender.Send([]byte(token), peerID)
	c.jobs[job] = sentMessage{peerID: peerID, msgType: msgType}
	return job
}

// finish moves peerID into a terminal state, delivers the event, and clears
// the entry.
func (c *Coordinator) finish(peerID string, terminal State, emit func()) {
	c.states[peerID] = terminal
	delete(c.outstanding, peerID)
	delete(c.crossed, peerID)
	if emit != nil {
		emit()
	}
	if c.states[peerID].Terminal() {
		delete(c.states, peerID)
	}
}
