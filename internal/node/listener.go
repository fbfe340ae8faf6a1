package node

import (
	"github.com/rudransh-shrivastava/peer-chat/internal/handshake"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// Listener receives every event a UI cares about. Calls happen on the node's
// loop, so implementations must not call blocking Node methods; use the
// IncomingRequest actions or hand off to another goroutine.
type Listener interface {
	OnPeersChanged(peers []peer.Peer)
	OnAdvertiseTimeout()
	OnScanTimeout()
	OnScanFailure(err error)
	OnIncomingRequest(req IncomingRequest)
	OnRequestAccepted(p peer.Peer)
	OnRequestDeclined(p peer.Peer)
	OnSendFailure(p peer.Peer, err error)
}

// BaseListener ignores every event. Embed it to handle a subset.
type BaseListener struct{}

func (BaseListener) OnPeersChanged([]peer.Peer)        {}
func (BaseListener) OnAdvertiseTimeout()               {}
func (BaseListener) OnScanTimeout()                    {}
func (BaseListener) OnScanFailure(error)               {}
func (BaseListener) OnIncomingRequest(IncomingRequest) {}
func (BaseListener) OnRequestAccepted(peer.Peer)       {}
func (BaseListener) OnRequestDeclined(peer.Peer)       {}
func (BaseListener) OnSendFailure(peer.Peer, error)    {}

// IncomingRequest is a chat request awaiting an answer. Accept and Decline
// may be called from any goroutine, including inside a Listener callback;
// the answer is applied on the loop.
type IncomingRequest struct {
	Peer peer.Peer

	n   *Node
	req handshake.Request
}

func (r IncomingRequest) Accept() error {
	if r.n == nil {
		return handshake.ErrNoPendingRequest
	}
	return r.n.post(r.req.Accept)
}

func (r IncomingRequest) Decline() error {
	if r.n == nil {
		return handshake.ErrNoPendingRequest
	}
	return r.n.post(func() error {
		err := r.req.Decline()
		r.n.settle(r.Peer.ID)
		return err
	})
}

// events adapts controller and coordinator callbacks, which already run on
// the loop, to the node's Listener.
type events struct {
	n *Node
}

func (e *events) OnPeersChanged(peers peer.Set) {
	e.n.listener.OnPeersChanged(peers.Sorted())
}

func (e *events) OnAdvertiseTimeout() {
	e.n.listener.OnAdvertiseTimeout()
}

func (e *events) OnScanTimeout() {
	e.n.listener.OnScanTimeout()
}

func (e *events) OnScanFailure(err error) {
	e.n.listener.OnScanFailure(err)
}

func (e *events) OnIncomingRequest(req handshake.Request) {
	p := e.n.resolve(req.From)
	e.n.contacts[p.ID] = p
	e.n.listener.OnIncomingRequest(IncomingRequest{Peer: p, n: e.n, req: req})
}

// OnRequestAccepted tears discovery down before handing the peer to a chat
// session.
func (e *events) OnRequestAccepted(peerID string) {
	p := e.n.resolve(peerID)
	e.n.disc.EndAdvertising()
	e.n.disc.EndDiscovering()
	e.n.startChat(p)
	if _, ok := e.n.sessions[p.ID]; !ok {
		delete(e.n.contacts, p.ID)
	}
	e.n.listener.OnRequestAccepted(p)
}

func (e *events) OnRequestDeclined(peerID string) {
	p := e.n.resolve(peerID)
	delete(e.n.contacts, peerID)
	e.n.listener.OnRequestDeclined(p)
}

func (e *events) OnSendFailure(peerID string, _ transport.JobID, err error) {
	e.n.listener.OnSendFailure(e.n.resolve(peerID), err)
	e.n.settle(peerID)
}
