// Package sender routes outbound messages to peers.
//
// Sends to one destination are delivered in submission order by a worker
// that exists only while that destination has pending sends. Sends to
// different destinations proceed concurrently.
package sender

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/message"
	"cluster-com/cluster/uri"
	"cluster-com/lib/ds/queue"
	"cluster-com/transport"
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type destination struct {
	to    uri.URI
	tasks *queue.NaiveQueue[*message.Message]
}

type Sender struct {
	dialer   transport.ConnDialer
	registry *common.Registry
	channels *common.ChannelGroup
	local    common.MessageProcessor

	listeners common.Listeners

	logger  *slog.Logger
	clock   clock.Clock
	metrics *common.Metrics
	tracer  *common.Tracer
	opts    Options

	mu          sync.Mutex
	me          uri.URI
	wildcard    bool // bound to every interface.
	queues      map[string]*destination
	unreachable map[string]struct{}
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc

	workers  sync.WaitGroup
	watchers sync.WaitGroup
}

var (
	_ common.MessageSender           = (*Sender)(nil)
	_ common.NetworkChannelsListener = (*Sender)(nil)
)

// New returns a running sender. local receives messages addressed to this
// node. New panics on invalid options.
func New(
	dialer transport.ConnDialer,
	registry *common.Registry,
	local common.MessageProcessor,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Sender {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sender{
		dialer:      dialer,
		registry:    registry,
		channels:    common.NewChannelGroup(),
		local:       local,
		logger:      logger,
		clock:       clock,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		opts:        opts,
		queues:      make(map[string]*destination),
		unreachable: make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Sender) AddListener(l common.NetworkChannelsListener)    { s.listeners.Add(l) }
func (s *Sender) RemoveListener(l common.NetworkChannelsListener) { s.listeners.Remove(l) }
func (s *Sender) ClearListeners()                                 { s.listeners.Clear() }

// ListeningAt records the self URI published by the receiver.
func (s *Sender) ListeningAt(me uri.URI) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case me.IsWildcard():
		s.wildcard = true
	case me.Port() != s.me.Port():
		s.wildcard = false
	}
	s.me = me
}

func (s *Sender) ChannelOpened(uri.URI) {}
func (s *Sender) ChannelClosed(uri.URI) {}

func (s *Sender) Me() (uri.URI, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me, !s.me.IsZero()
}

// Pending is the number of queued sends not yet picked up by a worker.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.queues {
		n += int(d.tasks.Len())
	}
	return n
}

// Destinations is the number of destinations with a live worker.
func (s *Sender) Destinations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Channels is the number of open outbound channels.
func (s *Sender) Channels() int { return s.channels.Len() }

func (s *Sender) ProcessAll(msgs []*message.Message) {
	for _, msg := range msgs {
		s.Process(msg)
	}
}

// Process routes msg by its "to" header. It never fails; undeliverable
// messages are logged and dropped. It always returns true.
func (s *Sender) Process(msg *message.Message) bool {
	to, ok := msg.Header(message.HeaderTo)
	if !ok {
		s.deliverLocal(msg)
		return true
	}

	msg = msg.Copy()
	if !msg.HasHeader(message.HeaderID) {
		msg.SetHeader(message.HeaderID, uuid.NewString())
	}

	if to == message.Broadcast {
		s.broadcast(msg)
		return true
	}

	dest, err := uri.Parse(to, s.opts.DefaultPort)
	if err != nil {
		s.metrics.MessageDropped(common.DropMalformed)
		s.logger.Error("dropping message", "error", &common.AddressError{Raw: to, Err: err})
		return true
	}

	if s.isSelf(dest) {
		s.deliverLocal(msg)
		return true
	}

	s.enqueue(dest, msg)
	return true
}

func (s *Sender) broadcast(msg *message.Message) {
	for _, peer := range s.opts.Peers {
		if s.isSelf(peer) {
			continue
		}

		leg := msg.Copy()
		leg.SetHeader(message.HeaderTo, peer.String())
		s.enqueue(peer, leg)
	}
}

func (s *Sender) deliverLocal(msg *message.Message) {
	if s.local == nil {
		s.metrics.MessageDropped(common.DropNoProcessor)
		return
	}
	s.local.Process(msg)
}

// isSelf matches dest against the self URI, ignoring instance names.
// While bound to every interface, loopback addresses on the self port match too.
func (s *Sender) isSelf(dest uri.URI) bool {
	s.mu.Lock()
	me, wildcard := s.me, s.wildcard
	s.mu.Unlock()

	if me.IsZero() || dest.Port() != me.Port() {
		return false
	}
	if dest.Host() == me.Host() {
		return true
	}
	return wildcard && (dest.IsLoopback() || dest.IsWildcard())
}

func (s *Sender) enqueue(to uri.URI, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.metrics.MessageDropped(common.DropShutdown)
		return
	}

	key := to.String()
	d, ok := s.queues[key]
	if !ok {
		d = &destination{to: to, tasks: queue.NewNaive[*message.Message](4)}
		s.queues[key] = d
		s.metrics.SetDestinationQueues(len(s.queues))

		s.workers.Add(1)
		go s.drain(key, d)
	}
	d.tasks.Enqueue(msg)
}

// drain sends d's tasks in order and retires once the queue is empty.
// A destination never has two workers, so order holds across retirements.
func (s *Sender) drain(key string, d *destination) {
	defer s.workers.Done()

	for {
		s.mu.Lock()
		if s.stopped {
			for range d.tasks.Drain() {
				s.metrics.MessageDropped(common.DropShutdown)
			}
		}
		msg, err := d.tasks.Dequeue()
		if err != nil {
			delete(s.queues, key)
			s.metrics.SetDestinationQueues(len(s.queues))
			s.mu.Unlock()
			return
		}
		ctx := s.ctx
		s.mu.Unlock()

		s.send(ctx, d.to, msg)
	}
}

func (s *Sender) send(ctx context.Context, to uri.URI, msg *message.Message) {
	ctx, span := s.tracer.StartSend(ctx, to.String(), msg)

	ch, err := s.channel(ctx, to)
	if err != nil {
		s.metrics.MessageDropped(common.DropUnreachable)
		common.EndSpan(span, err)
		return
	}

	if me, ok := s.Me(); ok {
		msg.SetHeader(message.HeaderFrom, me.String())
	}

	ch.Write(msg, func(err error) {
		if err != nil {
			s.metrics.WriteFailed()
			s.logger.Debug("write failed", "peer", to.String(), "error", err)
			return
		}
		s.metrics.MessageSent()
	})

	common.EndSpan(span, nil)
}

// channel returns the open outbound channel to, connecting if needed.
func (s *Sender) channel(ctx context.Context, to uri.URI) (*common.Channel, error) {
	if ch, ok := s.registry.Get(to); ok && ch.Direction() == common.Outbound && !ch.IsClosed() {
		return ch, nil
	}

	dialCtx, cancel := s.clock.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, to)
	if err != nil {
		cerr := &common.ConnectError{Peer: to, Err: err}
		if ctx.Err() != nil {
			// Stopping.
			return nil, cerr
		}
		s.metrics.ConnectAttempt(false)
		s.markUnreachable(to, cerr)
		return nil, cerr
	}
	s.metrics.ConnectAttempt(true)

	// Joining the group under mu means Stop either rejects the channel here
	// or closes it in CloseAll.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil, &common.ConnectError{Peer: to, Err: transport.ErrConnClosed}
	}
	delete(s.unreachable, to.String())
	ch := common.NewChannel(conn, to, common.Outbound, s.logger)
	s.channels.Add(ch)
	s.watchers.Add(1)
	s.mu.Unlock()

	s.registry.Put(to, ch)
	s.metrics.ChannelOpened(common.Outbound)

	s.logger.Info("channel opened", "peer", to.String(), "direction", common.Outbound.String())
	s.listeners.ChannelOpened(to)

	go s.watch(ch)

	return ch, nil
}

// watch reads ch until it fails, which is how a peer closing is noticed.
func (s *Sender) watch(ch *common.Channel) {
	defer s.watchers.Done()

	for {
		if _, err := ch.Receive(); err != nil {
			if !ch.IsClosed() && !common.IsDisconnect(err) {
				s.logger.Error("unexpected error on outbound channel", "peer", ch.Peer().String(), "error", err)
			}
			break
		}
		s.logger.Debug("ignoring message on outbound channel", "peer", ch.Peer().String())
	}

	ch.Close()
	s.registry.Remove(ch.Peer(), ch)
	s.channels.Remove(ch)
	s.metrics.ChannelClosed(common.Outbound)

	s.logger.Info("channel closed", "peer", ch.Peer().String(), "direction", common.Outbound.String())
	s.listeners.ChannelClosed(ch.Peer())
}

// markUnreachable warns only on the transition into unreachable.
func (s *Sender) markUnreachable(to uri.URI, err error) {
	key := to.String()

	s.mu.Lock()
	_, already := s.unreachable[key]
	s.unreachable[key] = struct{}{}
	s.mu.Unlock()

	if !already {
		s.logger.Warn("peer unreachable", "peer", key, "error", err)
	}
}

// CloseChannels closes every outbound channel.
func (s *Sender) CloseChannels() { s.channels.CloseAll() }

// Start accepts sends again after Stop.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		return
	}
	s.stopped = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Stop rejects new sends, drops queued ones and waits up to DrainTimeout
// for workers to finish their current send. Outbound channels are closed.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	timer := s.clock.Timer(s.opts.DrainTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("timed out waiting for send workers", "timeout", s.opts.DrainTimeout, "destinations", s.Destinations())
	}

	// Every watched channel is in the group by now, and closing a channel
	// unblocks its watcher's read, so this wait is short.
	s.channels.CloseAll()
	s.watchers.Wait()
}
