package chat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/dispatch"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Peers and Messages are optional; without them nothing is persisted.
	Peers    store.PeerRepository
	Messages store.MessageRepository
	Clock    clock.Clock
	Logger   logrus.FieldLogger
}

// Manager starts a Session for every accepted handshake and records the
// conversation. History writes happen on a background queue so the node's
// loop never waits on the database.
type Manager struct {
	peers    store.PeerRepository
	messages store.MessageRepository
	clock    clock.Clock
	logger   logrus.FieldLogger

	writes *dispatch.Loop
	cancel context.CancelFunc

	started chan *Session

	mu     sync.Mutex
	active map[string]*Session
}

func NewManager(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		peers:    opts.Peers,
		messages: opts.Messages,
		clock:    clk,
		logger:   log.WithField("component", "chat"),
		writes:   dispatch.New(),
		cancel:   cancel,
		started:  make(chan *Session, 8),
		active:   make(map[string]*Session),
	}
	go func() { _ = m.writes.Run(ctx) }()
	return m
}

// Sessions yields every session as it starts.
func (m *Manager) Sessions() <-chan *Session {
	return m.started
}

// Session returns the open session with peerID.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[peerID]
	return s, ok
}

func (m *Manager) StartChat(l node.Link) node.ChatReceiver {
	return m.start(l.Peer, l)
}

func (m *Manager) start(p peer.Peer, l link) *Session {
	s := newSession(m, p, l)

	m.mu.Lock()
	m.active[p.ID] = s
	m.mu.Unlock()

	if m.peers != nil {
		now := m.clock.Now()
		m.writes.Post(func() {
			if _, err := m.peers.TouchPeer(context.Background(), p.ID, p.Handle, now); err != nil {
				m.logger.Warnf("Failed to record peer: %v", err)
			}
		})
	}

	select {
	case m.started <- s:
	default:
		m.logger.Warn("Session channel full, new session not announced")
	}
	return s
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.peer.ID] == s {
		delete(m.active, s.peer.ID)
	}
}

func (m *Manager) record(p peer.Peer, dir db.Direction, body string, at time.Time) {
	if m.messages == nil {
		return
	}
	m.writes.Post(func() {
		if _, err := m.messages.AddMessage(context.Background(), p.ID, dir, body, at); err != nil {
			m.logger.Warnf("Failed to record message: %v", err)
		}
	})
}

// Flush waits until every queued history write has finished.
func (m *Manager) Flush(ctx context.Context) error {
	return m.writes.Do(ctx, func() error { return nil })
}

// Close ends every open session and stops the history queue once it drains.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	err := m.Flush(context.Background())
	m.cancel()
	return err
}

var _ node.ChatStarter = (*Manager)(nil)
