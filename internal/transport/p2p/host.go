// Package p2p is the LAN gateway: peers find each other with mDNS and
// exchange payloads over libp2p streams, one stream per message.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/zeroconf/v2"
	"github.com/rudransh-shrivastava/peer-chat/internal/dispatch"
	chatprotocol "github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	ProtocolID = protocol.ID("/peer-chat/handshake/1.0.0")

	DefaultServiceName = "_peer-chat._tcp"
	DefaultDomain      = "local."
	DefaultSendTimeout = 10 * time.Second
)

var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

type Config struct {
	ListenAddrs []string
	// Identity fixes the peer ID across runs. A fresh key is used when nil.
	Identity    crypto.PrivKey
	ServiceName string
	Domain      string
	SendTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Host implements transport.Transport and transport.Discovery on top of a
// libp2p host.
type Host struct {
	cfg    Config
	host   host.Host
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	outbox *dispatch.Loop

	mu        sync.Mutex
	closed    bool
	handler   transport.Handler
	receiving bool
	inflight  sync.WaitGroup

	server     *zeroconf.Server
	scanCancel context.CancelFunc
}

func New(ctx context.Context, cfg Config) (*Host, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddrs...)}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Host{
		cfg:    cfg,
		host:   h,
		logger: log.WithFields(logrus.Fields{"component": "p2p", "id": h.ID().ShortString()}),
		ctx:    runCtx,
		cancel: cancel,
		outbox: dispatch.New(),
	}
	go func() { _ = p.outbox.Run(runCtx) }()

	p.logger.Infof("Listening on %v", h.Addrs())
	return p, nil
}

func (h *Host) LocalID() string {
	return h.host.ID().String()
}

// Send writes data to peerID on a fresh stream. Sends leave in the order they
// were queued.
func (h *Host) Send(data []byte, peerID string) transport.JobID {
	job := transport.NewJobID()
	payload := append([]byte(nil), data...)

	posted := h.outbox.Post(func() {
		err := h.send(payload, peerID)
		if err != nil {
			h.logger.WithField("peer", peerID).Debugf("Send failed: %v", err)
		}
		h.report(transport.SendResult{Job: job, PeerID: peerID, Err: err})
	})
	if !posted {
		go h.report(transport.SendResult{Job: job, PeerID: peerID, Err: transport.ErrClosed})
	}
	return job
}

func (h *Host) send(data []byte, peerID string) error {
	if len(data) > chatprotocol.MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	pid, err := libp2ppeer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id %q: %w", peerID, err)
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SendTimeout)
	defer cancel()

	s, err := h.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	_ = s.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout))
	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("write: %w", err)
	}
	return s.Close()
}

func (h *Host) StartReceiving(handler transport.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return transport.ErrClosed
	}
	if h.receiving {
		return transport.ErrAlreadyRunning
	}
	h.handler = handler
	h.receiving = true
	h.host.SetStreamHandler(ProtocolID, h.handleStream)
	return nil
}

func (h *Host) StopReceiving(flush bool) error {
	h.mu.Lock()
	if !h.receiving {
		h.mu.Unlock()
		return transport.ErrNotReceiving
	}
	h.receiving = false
	h.handler = nil
	h.host.RemoveStreamHandler(ProtocolID)
	h.mu.Unlock()

	if flush {
		h.inflight.Wait()
	}
	return nil
}

func (h *Host) handleStream(s network.Stream) {
	defer s.Close()

	h.mu.Lock()
	if !h.receiving {
		h.mu.Unlock()
		_ = s.Reset()
		return
	}
	handler := h.handler
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	sender := s.Conn().RemotePeer().String()
	log := h.logger.WithField("peer", sender)

	_ = s.SetReadDeadline(time.Now().Add(h.cfg.SendTimeout))
	data, err := io.ReadAll(io.LimitReader(s, chatprotocol.MaxPayloadSize+1))
	if err != nil {
		log.Warnf("Failed to read stream: %v", err)
		_ = s.Reset()
		return
	}
	if len(data) > chatprotocol.MaxPayloadSize {
		log.Warnf("Dropping oversized payload (%d bytes)", len(data))
		return
	}

	handler.HandleMessage(data, sender)
}

func (h *Host) report(res transport.SendResult) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler.HandleSendResult(res)
	}
}

// Close stops discovery and shuts the libp2p host down.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.receiving = false
	h.handler = nil
	h.mu.Unlock()

	_ = h.StopScan()
	_ = h.StopAdvertise()
	h.cancel()
	return h.host.Close()
}

var (
	_ transport.Transport = (*Host)(nil)
	_ transport.Discovery = (*Host)(nil)
)
