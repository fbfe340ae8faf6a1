package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const (
	txtHandle = "handle="
	txtID     = "id="
	txtAddr   = "addr="
)

var (
	ErrNoPort      = errors.New("host has no tcp listen address")
	ErrMissingID   = errors.New("service entry has no peer id")
	ErrInvalidAddr = errors.New("service entry has no usable address")
)

// Advertise registers the mDNS service, or refreshes its TXT records when
// already registered.
func (h *Host) Advertise(handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return transport.ErrClosed
	}

	txt := txtRecords(handle, h.host.ID(), h.host.Addrs())
	if h.server != nil {
		h.server.SetText(txt)
		return nil
	}

	port, err := tcpPort(h.host.Addrs())
	if err != nil {
		return err
	}

	server, err := zeroconf.Register(h.host.ID().String(), h.cfg.ServiceName, h.cfg.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	h.server = server
	h.logger.WithField("handle", handle).Debugf("Registered %s on port %d", h.cfg.ServiceName, port)
	return nil
}

func (h *Host) StopAdvertise() error {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
	return nil
}

// Scan browses for the service until StopScan. Every change is reported as the
// full set of peers seen so far.
func (h *Host) Scan(handler transport.ScanHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return transport.ErrClosed
	}
	if h.scanCancel != nil {
		return transport.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(h.ctx)
	h.scanCancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go h.collect(ctx, handler, entries)
	go func() {
		if err := zeroconf.Browse(ctx, h.cfg.ServiceName, h.cfg.Domain, entries); err != nil && ctx.Err() == nil {
			handler.HandleScanError(fmt.Errorf("browse: %w", err))
		}
	}()
	return nil
}

func (h *Host) StopScan() error {
	h.mu.Lock()
	cancel := h.scanCancel
	h.scanCancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (h *Host) collect(ctx context.Context, handler transport.ScanHandler, entries <-chan *zeroconf.ServiceEntry) {
	seen := make(peer.Set)
	self := h.host.ID()

	for {
		var entry *zeroconf.ServiceEntry
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			entry = e
		}

		p, pid, addrs, err := parseEntry(entry)
		if err != nil {
			h.logger.Debugf("Ignoring service entry %q: %v", entry.Instance, err)
			continue
		}
		if pid == self {
			continue
		}

		if entry.TTL == 0 {
			if _, ok := seen[p.ID]; !ok {
				continue
			}
			delete(seen, p.ID)
		} else {
			h.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
			if prev, ok := seen[p.ID]; ok && prev == p {
				continue
			}
			seen[p.ID] = p
		}

		handler.HandlePeers(seen.Sorted())
	}
}

func txtRecords(handle string, id libp2ppeer.ID, addrs []ma.Multiaddr) []string {
	txt := []string{txtHandle + handle, txtID + id.String()}
	for _, a := range addrs {
		txt = append(txt, txtAddr+a.String())
	}
	return txt
}

// parseEntry turns a browse result into a Peer plus the dialable addresses it
// carried.
func parseEntry(entry *zeroconf.ServiceEntry) (peer.Peer, libp2ppeer.ID, []ma.Multiaddr, error) {
	var (
		handle string
		rawID  string
		addrs  []ma.Multiaddr
	)
	for _, t := range entry.Text {
		switch {
		case strings.HasPrefix(t, txtHandle):
			handle = strings.TrimPrefix(t, txtHandle)
		case strings.HasPrefix(t, txtID):
			rawID = strings.TrimPrefix(t, txtID)
		case strings.HasPrefix(t, txtAddr):
			a, err := ma.NewMultiaddr(strings.TrimPrefix(t, txtAddr))
			if err != nil {
				continue
			}
			addrs = append(addrs, a)
		}
	}

	if rawID == "" {
		return peer.Peer{}, "", nil, ErrMissingID
	}
	pid, err := libp2ppeer.Decode(rawID)
	if err != nil {
		return peer.Peer{}, "", nil, fmt.Errorf("decode peer id: %w", err)
	}
	if len(addrs) == 0 {
		return peer.Peer{}, "", nil, ErrInvalidAddr
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	if handle == "" {
		handle = entry.Instance
	}
	return peer.Peer{ID: pid.String(), Handle: handle, Addr: addrs[0].String()}, pid, addrs, nil
}

func tcpPort(addrs []ma.Multiaddr) (int, error) {
	for _, a := range addrs {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(v)
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, ErrNoPort
}
