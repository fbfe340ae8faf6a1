// Package transport defines the gateways the chat core is built on: a
// discovery gateway that advertises and scans for peers, and a transport
// gateway that moves opaque byte payloads between them.
package transport

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrNotReceiving   = errors.New("transport is not receiving")
	ErrAlreadyRunning = errors.New("already running")
)

// JobID identifies one Send so its outcome can be matched later.
type JobID string

func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// SendResult is the outcome of a Send. Err is nil on success.
type SendResult struct {
	Job    JobID
	PeerID string
	Err    error
}

// Handler receives transport events. Implementations may be called from any
// goroutine.
type Handler interface {
	HandleMessage(data []byte, sender string)
	HandleSendResult(res SendResult)
}

// Transport moves opaque payloads between peers addressed by ID.
type Transport interface {
	LocalID() string
	// Send queues data for peerID and returns immediately. The outcome is
	// reported to the receiving Handler under the returned JobID.
	Send(data []byte, peerID string) JobID
	StartReceiving(h Handler) error
	// StopReceiving stops delivery. With flush set, messages already read
	// off the wire are delivered before it returns; otherwise they are
	// dropped.
	StopReceiving(flush bool) error
	Close() error
}

// ScanHandler receives discovery results. Every call to HandlePeers carries
// the full set of currently visible peers.
type ScanHandler interface {
	HandlePeers(peers []peer.Peer)
	HandleScanError(err error)
}

// Discovery advertises the local endpoint and scans for others.
type Discovery interface {
	// Advertise starts broadcasting under handle, or re-broadcasts if
	// already advertising.
	Advertise(handle string) error
	StopAdvertise() error
	Scan(h ScanHandler) error
	StopScan() error
}
