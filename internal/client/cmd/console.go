package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
)

// console prints node events and keeps what the prompt commands need.
type console struct {
	out io.Writer

	mu      sync.Mutex
	peers   []peer.Peer
	pending []node.IncomingRequest
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) OnPeersChanged(peers []peer.Peer) {
	c.mu.Lock()
	prev := peer.NewSet(c.peers...)
	c.peers = peers
	c.mu.Unlock()

	added, removed := peer.Diff(prev, peer.NewSet(peers...))
	for _, p := range added {
		c.printf("+ %s", p.Name())
	}
	for _, p := range removed {
		c.printf("- %s", p.Name())
	}
}

func (c *console) OnAdvertiseTimeout() {
	c.printf("no longer discoverable (/advertise to resume)")
}

func (c *console) OnScanTimeout() {
	c.printf("scan finished (/scan to look again)")
}

func (c *console) OnScanFailure(err error) {
	c.printf("scan error: %v", err)
}

func (c *console) OnIncomingRequest(req node.IncomingRequest) {
	c.mu.Lock()
	c.pending = append(c.pending, req)
	c.mu.Unlock()
	c.printf("%s wants to chat (/accept or /decline)", req.Peer.Name())
}

func (c *console) OnRequestAccepted(p peer.Peer) {
	c.dropPending(p.ID)
	c.printf("chatting with %s (/quit to leave)", p.Name())
}

func (c *console) OnRequestDeclined(p peer.Peer) {
	c.printf("%s declined", p.Name())
}

func (c *console) OnSendFailure(p peer.Peer, err error) {
	c.printf("could not reach %s: %v", p.Name(), err)
}

// peer returns the n-th peer of the last listing, counting from 1.
func (c *console) peer(n int) (peer.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.peers) {
		return peer.Peer{}, false
	}
	return c.peers[n-1], true
}

func (c *console) listPeers() {
	c.mu.Lock()
	peers := append([]peer.Peer(nil), c.peers...)
	c.mu.Unlock()

	if len(peers) == 0 {
		c.printf("no peers visible")
		return
	}
	for i, p := range peers {
		c.printf("%2d. %s", i+1, p.Name())
	}
}

// takePending removes and returns the oldest unanswered request.
func (c *console) takePending() (node.IncomingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return node.IncomingRequest{}, false
	}
	req := c.pending[0]
	c.pending = c.pending[1:]
	return req, true
}

func (c *console) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, r := range c.pending {
		if r.Peer.ID != id {
			kept = append(kept, r)
		}
	}
	c.pending = kept
}

var _ node.Listener = (*console)(nil)
