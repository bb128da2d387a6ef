package common

import (
	"cluster-com/cluster/uri"
	"slices"
	"sync"
)

// NetworkChannelsListener observes binding and channel changes.
// Calls may come from any goroutine.
type NetworkChannelsListener interface {
	ListeningAt(me uri.URI)
	ChannelOpened(to uri.URI)
	ChannelClosed(to uri.URI)
}

// ListenerFuncs adapts plain functions. Nil fields are skipped.
// Register it by pointer so it can be removed again.
type ListenerFuncs struct {
	OnListeningAt   func(me uri.URI)
	OnChannelOpened func(to uri.URI)
	OnChannelClosed func(to uri.URI)
}

var _ NetworkChannelsListener = (*ListenerFuncs)(nil)

func (l *ListenerFuncs) ListeningAt(me uri.URI) {
	if l.OnListeningAt != nil {
		l.OnListeningAt(me)
	}
}

func (l *ListenerFuncs) ChannelOpened(to uri.URI) {
	if l.OnChannelOpened != nil {
		l.OnChannelOpened(to)
	}
}

func (l *ListenerFuncs) ChannelClosed(to uri.URI) {
	if l.OnChannelClosed != nil {
		l.OnChannelClosed(to)
	}
}

// Listeners is a set of NetworkChannelsListener that fans out every call.
// Listeners must be comparable.
type Listeners struct {
	mu   sync.RWMutex
	list []NetworkChannelsListener
}

var _ NetworkChannelsListener = (*Listeners)(nil)

// Add registers l once. Adding it again is a no-op.
func (ls *Listeners) Add(l NetworkChannelsListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if slices.Contains(ls.list, l) {
		return
	}
	ls.list = append(ls.list, l)
}

func (ls *Listeners) Remove(l NetworkChannelsListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// Copy so snapshots taken by in-flight notifications stay intact.
	ls.list = slices.DeleteFunc(slices.Clone(ls.list), func(x NetworkChannelsListener) bool { return x == l })
}

func (ls *Listeners) Clear() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.list = nil
}

func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.list)
}

func (ls *Listeners) snapshot() []NetworkChannelsListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.list
}

func (ls *Listeners) ListeningAt(me uri.URI) {
	for _, l := range ls.snapshot() {
		l.ListeningAt(me)
	}
}

func (ls *Listeners) ChannelOpened(to uri.URI) {
	for _, l := range ls.snapshot() {
		l.ChannelOpened(to)
	}
}

func (ls *Listeners) ChannelClosed(to uri.URI) {
	for _, l := range ls.snapshot() {
		l.ChannelClosed(to)
	}
}
