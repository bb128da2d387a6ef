package common

import (
	"cluster-com/cluster/uri"
	"slices"
	"strings"
	"sync"
)

type registryEntry struct {
	peer uri.URI
	ch   *Channel
}

// Registry maps a peer's canonical URI to its live channel.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func (r *Registry) Get(peer uri.URI) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[peer.String()]
	return e.ch, ok
}

// Put stores ch for peer and returns the channel it replaced, if any.
func (r *Registry) Put(peer uri.URI, ch *Channel) (replaced *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := peer.String()
	replaced = r.entries[key].ch
	r.entries[key] = registryEntry{peer: peer, ch: ch}
	return replaced
}

// Remove deletes peer only while it still maps to ch.
func (r *Registry) Remove(peer uri.URI, ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := peer.String()
	if e, ok := r.entries[key]; !ok || e.ch != ch {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the registered peers ordered by canonical string.
func (r *Registry) Keys() []uri.URI {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]uri.URI, 0, len(r.entries))
	for _, e := range r.entries {
		keys = append(keys, e.peer)
	}
	slices.SortFunc(keys, func(a, b uri.URI) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
