// Package node hosts the discovery controller and handshake coordinator on a
// single dispatch loop and hands accepted chats to a chat session.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rudransh-shrivastava/peer-chat/internal/config"
	"github.com/rudransh-shrivastava/peer-chat/internal/discovery"
	"github.com/rudransh-shrivastava/peer-chat/internal/dispatch"
	"github.com/rudransh-shrivastava/peer-chat/internal/handshake"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrMissingDependencies = errors.New("node: transport and discovery are required")
	ErrNoChat              = errors.New("no chat with peer")
)

type Options struct {
	Config    config.Config
	Transport transport.Transport
	Discovery transport.Discovery
	Clock     clock.Clock
	Logger    *logrus.Logger
	Listener  Listener
	Chats     ChatStarter
}

// Status is a snapshot of what the node is doing.
type Status struct {
	Advertising bool
	Discovering bool
	Handshakes  map[string]handshake.State
	Chats       []string
}

type Node struct {
	cfg       config.Config
	handle    string
	loop      *dispatch.Loop
	transport transport.Transport
	disc      *discovery.Controller
	coord     *handshake.Coordinator
	listener  Listener
	chats     ChatStarter
	logger    *logrus.Logger

	// contacts remembers every peer a handshake was started with, so the
	// handoff still has a handle after discovery forgets the peer.
	contacts map[string]peer.Peer
	sessions map[string]ChatReceiver
}

func New(opts Options) (*Node, error) {
	if opts.Transport == nil || opts.Discovery == nil {
		return nil, ErrMissingDependencies
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	listener := opts.Listener
	if listener == nil {
		listener = BaseListener{}
	}

	handle := opts.Config.Node.Handle
	if handle == "" {
		handle = opts.Transport.LocalID()
	}

	n := &Node{
		cfg:       opts.Config,
		handle:    handle,
		loop:      dispatch.New(),
		transport: opts.Transport,
		listener:  listener,
		chats:     opts.Chats,
		logger:    log,
		contacts:  make(map[string]peer.Peer),
		sessions:  make(map[string]ChatReceiver),
	}

	ev := &events{n: n}

	disc, err := discovery.New(discovery.Config{
		DiscoverableTimeout: opts.Config.Discovery.DiscoverableTimeout.Duration,
		DiscoveryTimeout:    opts.Config.Discovery.DiscoveryTimeout.Duration,
		PingInterval:        opts.Config.Discovery.PingInterval.Duration,
		Gateway:             opts.Discovery,
		Registry:            peer.NewRegistry(),
		Listener:            ev,
		Loop:                n.loop,
		Clock:               opts.Clock,
		Logger:              log,
	})
	if err != nil {
		return nil, err
	}

	coord, err := handshake.New(handshake.Config{
		LocalID:  opts.Transport.LocalID(),
		Sender:   opts.Transport,
		Listener: ev,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	n.disc = disc
	n.coord = coord
	return n, nil
}

func (n *Node) LocalID() string {
	return n.transport.LocalID()
}

func (n *Node) Handle() string {
	return n.handle
}

// Run starts receiving and processes events until ctx is cancelled. On return
// every mode is stopped, handshakes are forgotten and open chats are closed.
func (n *Node) Run(ctx context.Context) error {
	if err := n.transport.StartReceiving(&inbound{n: n}); err != nil {
		return fmt.Errorf("start receiving: %w", err)
	}

	n.logger.WithFields(logrus.Fields{"id": n.LocalID(), "handle": n.handle}).Info("Node is now running...")
	err := n.loop.Run(ctx)

	n.logger.Info("Shutting down node...")
	n.shutdown()
	n.logger.Info("Node stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) shutdown() {
	n.disc.EndAdvertising()
	n.disc.EndDiscovering()
	n.coord.Reset()
	for id := range n.sessions {
		n.endChat(id)
	}
	if err := n.transport.StopReceiving(false); err != nil && !errors.Is(err, transport.ErrNotReceiving) {
		n.logger.Warnf("Failed to stop receiving: %v", err)
	}
}

// BeginAdvertising makes the node discoverable under handle, or under the
// configured handle when handle is empty.
func (n *Node) BeginAdvertising(ctx context.Context, handle string) error {
	if handle == "" {
		handle = n.handle
	}
	return n.loop.Do(ctx, func() error {
		return n.disc.BeginAdvertising(handle, 0, 0)
	})
}

func (n *Node) EndAdvertising(ctx context.Context) error {
	return n.loop.Do(ctx, func() error {
		n.disc.EndAdvertising()
		return nil
	})
}

func (n *Node) BeginDiscovering(ctx context.Context) error {
	return n.loop.Do(ctx, func() error {
		return n.disc.BeginDiscovering(0)
	})
}

func (n *Node) EndDiscovering(ctx context.Context) error {
	return n.loop.Do(ctx, func() error {
		n.disc.EndDiscovering()
		return nil
	})
}

// Peers returns the visible peers ordered by ID.
func (n *Node) Peers(ctx context.Context) ([]peer.Peer, error) {
	var peers []peer.Peer
	err := n.loop.Do(ctx, func() error {
		peers = n.disc.Registry().Snapshot().Sorted()
		return nil
	})
	return peers, err
}

// RequestChat sends a chat request to a currently visible peer.
func (n *Node) RequestChat(ctx context.Context, peerID string) error {
	return n.loop.Do(ctx, func() error {
		p, ok := n.disc.Registry().Lookup(peerID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		if err := n.coord.SendRequest(peerID); err != nil {
			return err
		}
		n.contacts[peerID] = p
		return nil
	})
}

// Respond answers a pending request from peerID.
func (n *Node) Respond(ctx context.Context, peerID string, accept bool) error {
	return n.loop.Do(ctx, func() error {
		if accept {
			return n.coord.RespondAccept(peerID)
		}
		err := n.coord.RespondDecline(peerID)
		n.settle(peerID)
		return err
	})
}

// Abandon forgets any handshake with peerID without telling the peer.
func (n *Node) Abandon(ctx context.Context, peerID string) (bool, error) {
	var existed bool
	err := n.loop.Do(ctx, func() error {
		existed = n.coord.Abandon(peerID)
		n.settle(peerID)
		return nil
	})
	return existed, err
}

func (n *Node) HandshakeState(ctx context.Context, peerID string) (handshake.State, error) {
	var st handshake.State
	err := n.loop.Do(ctx, func() error {
		st = n.coord.State(peerID)
		return nil
	})
	return st, err
}

// EndChat stops routing chat frames from peerID to its session.
func (n *Node) EndChat(ctx context.Context, peerID string) error {
	return n.loop.Do(ctx, func() error {
		if !n.endChat(peerID) {
			return fmt.Errorf("%w: %s", ErrNoChat, peerID)
		}
		return nil
	})
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.loop.Do(ctx, func() error {
		st.Advertising = n.disc.Advertising()
		st.Discovering = n.disc.Discovering()
		st.Handshakes = n.coord.Active()
		for id := range n.sessions {
			st.Chats = append(st.Chats, id)
		}
		return nil
	})
	return st, err
}

// resolve returns the best known Peer for id.
func (n *Node) resolve(id string) peer.Peer {
	if p, ok := n.disc.Registry().Lookup(id); ok {
		return p
	}
	if p, ok := n.contacts[id]; ok {
		return p
	}
	return peer.Peer{ID: id}
}

// settle forgets the contact for peerID once no handshake or chat refers to
// it.
func (n *Node) settle(peerID string) {
	if _, ok := n.sessions[peerID]; ok {
		return
	}
	if n.coord.State(peerID) != handshake.None {
		return
	}
	delete(n.contacts, peerID)
}

func (n *Node) startChat(p peer.Peer) {
	if n.chats == nil {
		return
	}
	if _, ok := n.sessions[p.ID]; ok {
		n.endChat(p.ID)
	}

	recv := n.chats.StartChat(Link{Peer: p, node: n})
	if recv == nil {
		return
	}
	n.sessions[p.ID] = recv
	n.logger.WithField("peer", p.Name()).Info("Chat session started")
}

func (n *Node) endChat(peerID string) bool {
	recv, ok := n.sessions[peerID]
	if !ok {
		return false
	}
	delete(n.sessions, peerID)
	delete(n.contacts, peerID)
	recv.LinkClosed()
	n.logger.WithField("peer", peerID).Info("Chat session ended")
	return true
}

func (n *Node) handleMessage(data []byte, sender string) {
	msgType := protocol.Classify(data)
	if msgType.IsHandshake() {
		n.coord.OnIncoming(data, sender)
		return
	}
	if msgType != protocol.MsgChat {
		n.logger.WithField("peer", sender).Debugf("Dropping unrecognized payload (%d bytes)", len(data))
		return
	}

	recv, ok := n.sessions[sender]
	if !ok {
		n.logger.WithField("peer", sender).Debug("Dropping chat frame with no session")
		return
	}
	recv.Deliver(data)
}

func (n *Node) handleSendResult(res transport.SendResult) {
	if n.coord.Tracks(res.Job) {
		n.coord.HandleSendResult(res)
		return
	}
	if res.Err == nil {
		return
	}
	if recv, ok := n.sessions[res.PeerID]; ok {
		recv.SendFailed(res.Job, res.Err)
	}
}

// inbound marshals transport callbacks onto the loop.
type inbound struct {
	n *Node
}

func (in *inbound) HandleMessage(data []byte, sender string) {
	in.n.loop.Post(func() { in.n.handleMessage(data, sender) })
}

func (in *inbound) HandleSendResult(res transport.SendResult) {
	in.n.loop.Post(func() { in.n.handleSendResult(res) })
}

// post runs fn on the loop, logging when the node has stopped.
func (n *Node) post(fn func() error) error {
	ok := n.loop.Post(func() {
		if err := fn(); err != nil {
			n.logger.Warnf("%v", err)
		}
	})
	if !ok {
		return dispatch.ErrClosed
	}
	return nil
}
