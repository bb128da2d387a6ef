// Package com is the cluster network: a receiver and a sender sharing one
// connection registry, started and stopped together.
package com

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/com/receiver"
	"cluster-com/cluster/com/sender"
	"cluster-com/cluster/message"
	"cluster-com/cluster/uri"
	"cluster-com/transport"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrShutdown = errors.New("network is shut down")

type State int

const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateShutdown:
		return "shut down"
	}
	return "unknown"
}

type Network struct {
	registry *common.Registry
	receiver *receiver.Receiver
	sender   *sender.Sender

	logger *slog.Logger
	clock  clock.Clock

	// mu serializes lifecycle transitions. state is readable without it.
	mu    sync.Mutex
	state atomic.Int32
}

var (
	_ common.MessageSource = (*Network)(nil)
	_ common.MessageSender = (*Network)(nil)
)

func New(t transport.Transport, logger *slog.Logger, clock clock.Clock, opts Options) (*Network, error) {
	opts, err := opts.build()
	if err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}

	registry := common.NewRegistry()
	recv := receiver.New(t, registry, logger.With("component", "receiver"), clock, opts.Receiver)
	send := sender.New(t, registry, recv, logger.With("component", "sender"), clock, opts.Sender)

	return &Network{
		registry: registry,
		receiver: recv,
		sender:   send,
		logger:   logger,
		clock:    clock,
	}, nil
}

// State never blocks, so it is safe to call from a message processor.
func (n *Network) State() State { return State(n.state.Load()) }

func (n *Network) setState(st State) { n.state.Store(int32(st)) }

// Init wires the sender to the receiver's binding events.
func (n *Network) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.init()
}

func (n *Network) init() error {
	switch n.State() {
	case StateShutdown:
		return ErrShutdown
	case StateCreated:
		n.receiver.AddListener(n.sender)
		n.setState(StateInitialized)
	}
	return nil
}

// Start binds the receiver and opens the sender. It initializes first if
// needed and is a no-op on a started network.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.init(); err != nil {
		return err
	}
	if n.State() == StateStarted {
		return nil
	}

	if err := n.receiver.Start(); err != nil {
		return errors.Wrap(err, "starting receiver")
	}
	n.sender.Start()
	n.setState(StateStarted)

	me, _ := n.receiver.ListeningAt()
	n.logger.Info("network started", "uri", me.String())
	return nil
}

// Stop closes every channel, releases the listener and waits, bounded by
// the drain timeout, for in-flight sends. A stopped network can be started
// again.
//
// Stop waits for message processors that are still running. A processor
// must therefore not call Start, Stop or Shutdown itself.
func (n *Network) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stop()
}

func (n *Network) stop() {
	if n.State() != StateStarted {
		return
	}

	start := n.clock.Now()

	n.receiver.CloseChannels()
	n.sender.CloseChannels()
	n.receiver.Stop()
	n.sender.Stop()

	n.setState(StateStopped)
	n.logger.Info("network stopped", "took", n.clock.Since(start))
}

// Shutdown stops the network for good and detaches processors and listeners.
func (n *Network) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.State() == StateShutdown {
		return
	}

	n.stop()
	n.sender.Stop()
	n.receiver.ClearProcessors()
	n.sender.ClearListeners()

	n.setState(StateShutdown)
	n.logger.Info("network shut down")
}

func (n *Network) AddMessageProcessor(p common.MessageProcessor) {
	n.receiver.AddMessageProcessor(p)
}

// AddListener registers l for binding and channel events of both directions.
func (n *Network) AddListener(l common.NetworkChannelsListener) {
	n.receiver.AddListener(l)
	n.sender.AddListener(l)
}

func (n *Network) RemoveListener(l common.NetworkChannelsListener) {
	n.receiver.RemoveListener(l)
	n.sender.RemoveListener(l)
}

func (n *Network) Process(msg *message.Message) bool { return n.sender.Process(msg) }

func (n *Network) ProcessAll(msgs []*message.Message) { n.sender.ProcessAll(msgs) }

// Me is the published self URI, known once started.
func (n *Network) Me() (uri.URI, bool) { return n.sender.Me() }

// Channels is the number of open channels in both directions.
func (n *Network) Channels() int { return n.receiver.Channels() + n.sender.Channels() }

// Peers lists the peers with a registered channel.
func (n *Network) Peers() []uri.URI { return n.registry.Keys() }

// Pending is the number of queued, unsent messages.
func (n *Network) Pending() int { return n.sender.Pending() }
