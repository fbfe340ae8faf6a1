// Package chat runs the conversation that follows an accepted handshake.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionClosed = errors.New("chat session closed")
	ErrEmptyMessage  = errors.New("empty message")
)

const messageBuffer = 64

type Message struct {
	Peer      peer.Peer
	Direction db.Direction
	Body      string
	SentAt    time.Time
}

// link is the node side of a session.
type link interface {
	Send(data []byte) transport.JobID
	Close()
}

// Session is one conversation with a peer. Send, Close and the channel
// accessors are safe for concurrent use; Deliver, SendFailed and LinkClosed
// are called by the node.
type Session struct {
	peer   peer.Peer
	link   link
	codec  *protocol.Codec
	mgr    *Manager
	logger logrus.FieldLogger

	messages chan Message
	failures chan error
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	remoteBy bool
}

func newSession(mgr *Manager, p peer.Peer, l link) *Session {
	return &Session{
		peer:     p,
		link:     l,
		codec:    protocol.NewCodec(),
		mgr:      mgr,
		logger:   mgr.logger.WithField("peer", p.Name()),
		messages: make(chan Message, messageBuffer),
		failures: make(chan error, messageBuffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) Peer() peer.Peer {
	return s.peer
}

// Messages yields every message received from the peer.
func (s *Session) Messages() <-chan Message {
	return s.messages
}

// Failures yields errors for messages that could not be delivered.
func (s *Session) Failures() <-chan error {
	return s.failures
}

// Done is closed when the session ends from either side.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// EndedByPeer reports whether the peer said goodbye.
func (s *Session) EndedByPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBy
}

func (s *Session) Send(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	now := s.mgr.clock.Now()
	data, err := s.codec.EncodeToBytes(protocol.ChatFrame{Body: text, SentAt: now.UnixMilli()})
	if err != nil {
		return err
	}

	s.link.Send(data)
	s.mgr.record(s.peer, db.Outgoing, text, now)
	return nil
}

// Close says goodbye to the peer and ends the session.
func (s *Session) Close() error {
	if !s.finish(false) {
		return nil
	}

	data, err := s.codec.EncodeToBytes(protocol.ChatFrame{Bye: true, SentAt: s.mgr.clock.Now().UnixMilli()})
	if err == nil {
		s.link.Send(data)
	}
	s.link.Close()
	return err
}

func (s *Session) Deliver(data []byte) {
	msg, err := s.codec.DecodeFromBytes(data)
	if err != nil {
		s.logger.Debugf("Dropping malformed chat frame: %v", err)
		return
	}
	frame, ok := msg.(*protocol.ChatFrame)
	if !ok {
		return
	}

	if frame.Body != "" {
		sentAt := time.UnixMilli(frame.SentAt)
		if frame.SentAt == 0 {
			sentAt = s.mgr.clock.Now()
		}
		m := Message{Peer: s.peer, Direction: db.Incoming, Body: frame.Body, SentAt: sentAt}
		s.mgr.record(s.peer, db.Incoming, frame.Body, sentAt)

		select {
		case s.messages <- m:
		default:
			s.logger.Warn("Message buffer full, dropping message")
		}
	}

	if frame.Bye {
		s.logger.Info("Peer ended the chat")
		if s.finish(true) {
			s.link.Close()
		}
	}
}

func (s *Session) SendFailed(job transport.JobID, err error) {
	s.logger.WithField("job", job).Warnf("Message not delivered: %v", err)
	select {
	case s.failures <- err:
	default:
	}
}

func (s *Session) LinkClosed() {
	s.finish(false)
}

// finish marks the session closed. It reports whether this call closed it.
func (s *Session) finish(byPeer bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.remoteBy = byPeer
	close(s.done)
	s.mgr.forget(s)
	return true
}
