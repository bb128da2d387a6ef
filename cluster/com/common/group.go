package common

import "sync"

// ChannelGroup tracks open channels so they can be closed together.
type ChannelGroup struct {
	mu       sync.Mutex
	channels map[*Channel]struct{}
}

func NewChannelGroup() *ChannelGroup {
	return &ChannelGroup{channels: make(map[*Channel]struct{})}
}

func (g *ChannelGroup) Add(ch *Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[ch] = struct{}{}
}

func (g *ChannelGroup) Remove(ch *Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.channels, ch)
}

func (g *ChannelGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

// CloseAll closes and forgets every tracked channel.
func (g *ChannelGroup) CloseAll() {
	g.mu.Lock()
	channels := g.channels
	g.channels = make(map[*Channel]struct{})
	g.mu.Unlock()

	for ch := range channels {
		ch.Close()
	}
}
