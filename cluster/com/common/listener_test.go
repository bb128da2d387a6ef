package common

import (
	"cluster-com/cluster/uri"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners(t *testing.T) {
	var ls Listeners
	var events []string

	l1 := &ListenerFuncs{
		OnListeningAt:   func(me uri.URI) { events = append(events, "1 listening "+me.String()) },
		OnChannelOpened: func(to uri.URI) { events = append(events, "1 opened "+to.String()) },
	}
	l2 := &ListenerFuncs{
		OnChannelClosed: func(to uri.URI) { events = append(events, "2 closed "+to.String()) },
	}

	ls.Add(l1)
	ls.Add(l2)
	ls.Add(l1)
	assert.Equal(t, 2, ls.Len())

	peer := uri.New("10.0.0.1", 5001, "")
	ls.ListeningAt(peer)
	ls.ChannelOpened(peer)
	ls.ChannelClosed(peer)

	ls.Remove(l1)
	ls.ChannelOpened(peer)
	ls.ChannelClosed(peer)

	assert.Equal(t, []string{
		"1 listening cluster://10.0.0.1:5001",
		"1 opened cluster://10.0.0.1:5001",
		"2 closed cluster://10.0.0.1:5001",
		"2 closed cluster://10.0.0.1:5001",
	}, events)

	ls.Clear()
	assert.Zero(t, ls.Len())
}
