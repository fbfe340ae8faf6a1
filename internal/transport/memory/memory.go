// Package memory is an in-process gateway network. Endpoints joined to the
// same Network see each other's advertisements and exchange payloads without
// touching a socket.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/dispatch"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

var (
	ErrDuplicateID = errors.New("endpoint id already joined")
	ErrUnknownPeer = errors.New("no such peer on the network")
)

type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	failures  map[string]error
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		failures:  make(map[string]error),
	}
}

// Join attaches a new endpoint with the given identity.
func (n *Network) Join(id string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		net:    n,
		id:     id,
		outbox: dispatch.New(),
		cancel: cancel,
	}
	go func() { _ = e.outbox.Run(ctx) }()

	n.endpoints[id] = e
	return e, nil
}

// FailSendsTo makes every later send addressed to id fail with err. A nil err
// restores delivery.
func (n *Network) FailSendsTo(id string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, id)
		return
	}
	n.failures[id] = err
}

// FailScan reports err to the scanner of endpoint id, if it is scanning.
func (n *Network) FailScan(id string, err error) {
	n.mu.Lock()
	e := n.endpoints[id]
	n.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	h := e.scanner
	e.mu.Unlock()
	if h != nil {
		go h.HandleScanError(err)
	}
}

func (n *Network) lookup(id string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.failures[id]; err != nil {
		return nil, err
	}
	e, ok := n.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return e, nil
}

func (n *Network) leave(e *Endpoint) {
	n.mu.Lock()
	if n.endpoints[e.id] == e {
		delete(n.endpoints, e.id)
	}
	n.mu.Unlock()
	n.announce()
}

// visible returns every advertising endpoint except the one asking.
func (n *Network) visible(self string) []peer.Peer {
	n.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(n.endpoints))
	for _, e := range n.endpoints {
		endpoints = append(endpoints, e)
	}
	n.mu.Unlock()

	var peers []peer.Peer
	for _, e := range endpoints {
		if e.id == self {
			continue
		}
		if p, ok := e.advert(); ok {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// announce wakes every scanner so it reports a fresh snapshot.
func (n *Network) announce() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.endpoints {
		e.wakeScanner()
	}
}

// Endpoint implements transport.Transport and transport.Discovery.
type Endpoint struct {
	net    *Network
	id     string
	outbox *dispatch.Loop
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	handler   transport.Handler
	receiving bool
	inflight  sync.WaitGroup

	handle   string
	scanner  transport.ScanHandler
	scanWake chan struct{}
	scanStop chan struct{}
}

func (e *Endpoint) LocalID() string {
	return e.id
}

func (e *Endpoint) Addr() string {
	return "memory://" + e.id
}

// Send delivers data to peerID from the endpoint's outbox goroutine. Sends
// from one endpoint are delivered in order.
func (e *Endpoint) Send(data []byte, peerID string) transport.JobID {
	job := transport.NewJobID()
	payload := append([]byte(nil), data...)

	posted := e.outbox.Post(func() {
		err := e.deliverTo(peerID, payload)
		e.report(transport.SendResult{Job: job, PeerID: peerID, Err: err})
	})
	if !posted {
		go e.report(transport.SendResult{Job: job, PeerID: peerID, Err: transport.ErrClosed})
	}
	return job
}

func (e *Endpoint) StartReceiving(h transport.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return transport.ErrClosed
	}
	if e.receiving {
		return transport.ErrAlreadyRunning
	}
	e.handler = h
	e.receiving = true
	return nil
}

func (e *Endpoint) StopReceiving(flush bool) error {
	e.mu.Lock()
	if !e.receiving {
		e.mu.Unlock()
		return transport.ErrNotReceiving
	}
	e.receiving = false
	e.handler = nil
	e.mu.Unlock()

	if flush {
		e.inflight.Wait()
	}
	return nil
}

func (e *Endpoint) Advertise(handle string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrClosed
	}
	e.handle = handle
	e.mu.Unlock()

	e.net.announce()
	return nil
}

func (e *Endpoint) StopAdvertise() error {
	e.mu.Lock()
	changed := e.handle != ""
	e.handle = ""
	e.mu.Unlock()

	if changed {
		e.net.announce()
	}
	return nil
}

// Scan reports the current snapshot and a fresh one after every change on
// the network, until StopScan.
func (e *Endpoint) Scan(h transport.ScanHandler) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrClosed
	}
	if e.scanner != nil {
		e.mu.Unlock()
		return transport.ErrAlreadyRunning
	}
	wake := make(chan struct{}, 1)
	stop := make(chan struct{})
	e.scanner = h
	e.scanWake = wake
	e.scanStop = stop
	e.mu.Unlock()

	go e.scanLoop(h, wake, stop)
	wake <- struct{}{}
	return nil
}

func (e *Endpoint) StopScan() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scanner == nil {
		return nil
	}
	close(e.scanStop)
	e.scanner = nil
	e.scanWake = nil
	e.scanStop = nil
	return nil
}

// Close leaves the network. Pending sends are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handle = ""
	e.receiving = false
	e.handler = nil
	e.mu.Unlock()

	_ = e.StopScan()
	e.cancel()
	e.net.leave(e)
	return nil
}

func (e *Endpoint) advert() (peer.Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == "" {
		return peer.Peer{}, false
	}
	return peer.Peer{ID: e.id, Handle: e.handle, Addr: e.Addr()}, true
}

func (e *Endpoint) wakeScanner() {
	e.mu.Lock()
	wake := e.scanWake
	e.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) scanLoop(h transport.ScanHandler, wake, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		select {
		case <-stop:
			return
		default:
		}
		h.HandlePeers(e.net.visible(e.id))
	}
}

func (e *Endpoint) deliverTo(peerID string, data []byte) error {
	dst, err := e.net.lookup(peerID)
	if err != nil {
		return err
	}
	return dst.receive(data, e.id)
}

func (e *Endpoint) receive(data []byte, sender string) error {
	e.mu.Lock()
	if !e.receiving {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", e.id, transport.ErrNotReceiving)
	}
	h := e.handler
	e.inflight.Add(1)
	e.mu.Unlock()

	defer e.inflight.Done()
	h.HandleMessage(data, sender)
	return nil
}

func (e *Endpoint) report(res transport.SendResult) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h.HandleSendResult(res)
	}
}

var (
	_ transport.Transport = (*Endpoint)(nil)
	_ transport.Discovery = (*Endpoint)(nil)
)
