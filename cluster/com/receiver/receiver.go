// Package receiver accepts inbound channels and dispatches their messages
// to the registered processors.
package receiver

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/message"
	"cluster-com/cluster/uri"
	"cluster-com/transport"
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Receiver struct {
	transport transport.Transport
	registry  *common.Registry
	channels  *common.ChannelGroup

	processors common.Processors
	listeners  common.Listeners

	logger  *slog.Logger
	clock   clock.Clock
	metrics *common.Metrics
	tracer  *common.Tracer
	opts    Options

	mu        sync.Mutex
	listener  transport.ConnListener
	cancel    context.CancelFunc
	me        uri.URI
	confirmed bool // me is a concrete address.

	wg sync.WaitGroup
}

var (
	_ common.MessageSource    = (*Receiver)(nil)
	_ common.MessageProcessor = (*Receiver)(nil)
)

// New panics on invalid options.
func New(
	t transport.Transport,
	registry *common.Registry,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Receiver {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		panic(err)
	}

	return &Receiver{
		transport: t,
		registry:  registry,
		channels:  common.NewChannelGroup(),
		logger:    logger,
		clock:     clock,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		opts:      opts,
	}
}

func (r *Receiver) AddMessageProcessor(p common.MessageProcessor) { r.processors.Add(p) }

func (r *Receiver) AddListener(l common.NetworkChannelsListener)    { r.listeners.Add(l) }
func (r *Receiver) RemoveListener(l common.NetworkChannelsListener) { r.listeners.Remove(l) }

// ClearProcessors drops every processor and listener.
func (r *Receiver) ClearProcessors() {
	r.processors.Clear()
	r.listeners.Clear()
}

// ListeningAt returns the self URI of the current bind.
func (r *Receiver) ListeningAt() (uri.URI, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.me, r.listener != nil
}

// Channels is the number of open inbound channels.
func (r *Receiver) Channels() int { return r.channels.Len() }

// Start binds the first free port of the range and starts accepting.
// Starting a started receiver is a no-op.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.listener != nil {
		r.mu.Unlock()
		return nil
	}

	l, port, err := r.bind()
	if err != nil {
		r.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	me := uri.New(r.opts.BindHost, port, r.opts.Name)

	r.listener = l
	r.cancel = cancel
	r.me = me
	r.confirmed = !me.IsWildcard()

	r.wg.Add(1)
	go r.acceptLoop(ctx, l)
	r.mu.Unlock()

	r.logger.Info("listening", "uri", me.String())
	r.listeners.ListeningAt(me)

	return nil
}

func (r *Receiver) bind() (transport.ConnListener, uint16, error) {
	var failures []common.PortFailure

	for _, port := range r.opts.Ports.Ports() {
		l, err := r.transport.Listen(uri.New(r.opts.BindHost, port, ""))
		if err == nil {
			return l, port, nil
		}

		r.logger.Debug("port unavailable", "port", port, "error", err)
		failures = append(failures, common.PortFailure{Port: port, Err: err})
	}

	return nil, 0, &common.BindError{
		Host:     uri.New(r.opts.BindHost, 1, "").Host(),
		Range:    r.opts.Ports,
		Failures: failures,
	}
}

// CloseChannels closes every inbound channel.
func (r *Receiver) CloseChannels() { r.channels.CloseAll() }

// Stop releases the listener and waits for connection handlers to exit.
func (r *Receiver) Stop() {
	r.mu.Lock()
	l, cancel := r.listener, r.cancel
	r.listener, r.cancel = nil, nil
	r.mu.Unlock()

	if l == nil {
		return
	}

	start := r.clock.Now()
	cancel()
	if err := l.Close(); err != nil && !errors.Is(err, transport.ErrConnListenerClosed) {
		r.logger.Error("closing listener", "error", err)
	}
	r.channels.CloseAll()
	r.wg.Wait()

	r.logger.Info("stopped listening", "took", r.clock.Since(start))
}

func (r *Receiver) acceptLoop(ctx context.Context, l transport.ConnListener) {
	defer r.wg.Done()

	limiter := rate.NewLimiter(r.opts.acceptLimit(), 1)

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrConnListenerClosed) {
				return
			}

			r.logger.Error("unexpected error when accepting connection", "error", err)
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serve(ctx, conn)
		}()
	}
}

func (r *Receiver) serve(ctx context.Context, conn transport.Conn) {
	peer := uri.FromAddr(conn.RemoteAddr())
	ch := common.NewChannel(conn, peer, common.Inbound, r.logger)
	logger := r.logger.With("peer", peer.String())

	r.opened(ch)
	defer r.closed(ch)

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	for {
		msg, err := ch.Receive()
		if err != nil {
			switch {
			case ch.IsClosed(), common.IsDisconnect(err):
				logger.Debug("peer disconnected", "error", err)
			default:
				logger.Error("unexpected error when reading message", "error", err)
			}
			return
		}

		r.metrics.MessageReceived()
		r.correctFrom(ch, msg, logger)
		r.confirmBinding(ch)
		r.dispatch(ctx, msg)
	}
}

func (r *Receiver) opened(ch *common.Channel) {
	if replaced := r.registry.Put(ch.Peer(), ch); replaced != nil {
		r.logger.Debug("replacing channel", "peer", ch.Peer().String())
	}
	r.channels.Add(ch)
	r.metrics.ChannelOpened(common.Inbound)

	r.logger.Info("channel opened", "peer", ch.Peer().String(), "direction", common.Inbound.String())
	r.listeners.ChannelOpened(ch.Peer())
}

func (r *Receiver) closed(ch *common.Channel) {
	ch.Close()
	r.registry.Remove(ch.Peer(), ch)
	r.channels.Remove(ch)
	r.metrics.ChannelClosed(common.Inbound)

	r.logger.Info("channel closed", "peer", ch.Peer().String(), "direction", common.Inbound.String())
	r.listeners.ChannelClosed(ch.Peer())
}

// correctFrom replaces the host of the "from" header with the address the
// connection actually comes from. Port and name are kept as claimed.
func (r *Receiver) correctFrom(ch *common.Channel, msg *message.Message, logger *slog.Logger) {
	from, ok := msg.Header(message.HeaderFrom)
	if !ok {
		return
	}

	claimed, err := uri.Parse(from, r.opts.DefaultPort)
	if err != nil {
		logger.Warn("leaving unparsable from header", "from", from, "error", err)
		return
	}

	msg.SetHeader(message.HeaderFrom, claimed.WithHost(ch.RemoteAddr().Host()).String())
}

// confirmBinding publishes the concrete address of a wildcard bind, once.
func (r *Receiver) confirmBinding(ch *common.Channel) {
	r.mu.Lock()
	if r.confirmed || r.listener == nil {
		r.mu.Unlock()
		return
	}
	r.confirmed = true
	r.me = r.me.WithHost(ch.LocalAddr().Host())
	me := r.me
	r.mu.Unlock()

	r.logger.Info("confirmed binding", "uri", me.String())
	r.listeners.ListeningAt(me)
}

// Process dispatches msg to the local processors without a socket.
func (r *Receiver) Process(msg *message.Message) bool {
	return r.dispatch(context.Background(), msg)
}

func (r *Receiver) dispatch(ctx context.Context, msg *message.Message) bool {
	_, span := r.tracer.StartDispatch(ctx, msg)

	var failure error
	delivered := r.processors.Dispatch(msg, func(i int, res common.ProcessResult) {
		r.metrics.ProcessorResult(res.Outcome)
		if res.Outcome == common.OutcomeFailed {
			r.logger.Error("message processor failed", "processor", i, "error", res.Err)
			failure = res.Err
		}
	})

	if !delivered {
		r.metrics.MessageDropped(common.DropNoProcessor)
		r.logger.Debug("no processor for message")
	}

	common.EndSpan(span, failure)
	return delivered
}
