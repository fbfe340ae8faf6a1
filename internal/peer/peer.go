// Package peer holds the peers visible on the local network.
package peer

import "sort"

// Peer is another participant seen by discovery. Values are replaced, never
// mutated, when discovery re-reports them.
type Peer struct {
	ID     string
	Handle string
	Addr   string
}

// Name returns the handle, falling back to a shortened ID.
func (p Peer) Name() string {
	if p.Handle != "" {
		return p.Handle
	}
	if len(p.ID) > 12 {
		return p.ID[:12]
	}
	return p.ID
}

// Set maps peer ID to Peer.
type Set map[string]Peer

// NewSet builds a Set from a slice. Later duplicates win.
func NewSet(peers ...Peer) Set {
	s := make(Set, len(peers))
	for _, p := range peers {
		s[p.ID] = p
	}
	return s
}

// Clone returns a copy of s.
func (s Set) Clone() Set {
	c := make(Set, len(s))
	for id, p := range s {
		c[id] = p
	}
	return c
}

// Sorted returns the peers ordered by handle, then ID.
func (s Set) Sorted() []Peer {
	out := make([]Peer, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Handle != out[j].Handle {
			return out[i].Handle < out[j].Handle
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Diff reports the peers present in next but not prev, and those present in
// prev but not next.
func Diff(prev, next Set) (added, removed []Peer) {
	for id, p := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, p)
		}
	}
	for id, p := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, p)
		}
	}
	return added, removed
}
