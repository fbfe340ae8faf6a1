package peer

// Registry holds the latest PeerSet reported by discovery. It is not safe for
// concurrent use; callers serialize access on the dispatch loop.
type Registry struct {
	peers Set
}

func NewRegistry() *Registry {
	return &Registry{peers: make(Set)}
}

// Update replaces the current set with next and returns the previous one.
func (r *Registry) Update(next Set) Set {
	prev := r.peers
	if next == nil {
		next = make(Set)
	}
	r.peers = next.Clone()
	return prev
}

func (r *Registry) Lookup(id string) (Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) Snapshot() Set {
	return r.peers.Clone()
}

func (r *Registry) Len() int {
	return len(r.peers)
}

// Clear drops every peer and returns the set that was held.
func (r *Registry) Clear() Set {
	return r.Update(nil)
}
