package common

import (
	"cluster-com/cluster/message"
	"cluster-com/cluster/uri"
	"cluster-com/lib/ds/queue"
	"cluster-com/transport"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// WriteCallback receives the outcome of an asynchronous write.
type WriteCallback func(err error)

type pendingWrite struct {
	msg  *message.Message
	done WriteCallback
}

// Channel owns one connection to a peer.
// Writes are queued and sent in order by a dedicated goroutine; reads are
// done by whoever calls Receive, at most one goroutine at a time.
type Channel struct {
	conn      transport.Conn
	peer      uri.URI
	direction Direction
	logger    *slog.Logger

	enc *message.Encoder
	dec *message.Decoder

	mu      sync.Mutex
	outbox  *queue.NaiveQueue[pendingWrite]
	stopped bool // writer no longer takes work.

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewChannel(conn transport.Conn, peer uri.URI, direction Direction, logger *slog.Logger) *Channel {
	ch := &Channel{
		conn:      conn,
		peer:      peer,
		direction: direction,
		logger:    logger.With("peer", peer.String(), "direction", direction.String()),
		enc:       message.NewEncoder(conn),
		dec:       message.NewDecoder(conn),
		outbox:    queue.NewNaive[pendingWrite](8),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}

	go ch.writeLoop()

	return ch
}

func (ch *Channel) Peer() uri.URI             { return ch.peer }
func (ch *Channel) Direction() Direction      { return ch.direction }
func (ch *Channel) LocalAddr() transport.Addr { return ch.conn.LocalAddr() }

func (ch *Channel) RemoteAddr() transport.Addr { return ch.conn.RemoteAddr() }

// Done is closed once the channel is closed.
func (ch *Channel) Done() <-chan struct{} { return ch.closed }

func (ch *Channel) IsClosed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

// Write queues msg. done, if not nil, is called exactly once from the
// writer goroutine, or right away when the channel is already closed.
func (ch *Channel) Write(msg *message.Message, done WriteCallback) {
	ch.mu.Lock()
	if ch.stopped {
		ch.mu.Unlock()
		ch.complete(done, transport.ErrConnClosed)
		return
	}
	ch.outbox.Enqueue(pendingWrite{msg: msg, done: done})
	ch.mu.Unlock()

	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

// Receive blocks for the next inbound message.
func (ch *Channel) Receive() (*message.Message, error) {
	msg, err := ch.dec.Decode()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Close closes the connection. Queued writes fail with
// transport.ErrConnClosed. Closing twice is a no-op.
func (ch *Channel) Close() error {
	var err error
	ch.once.Do(func() {
		close(ch.closed)
		if cerr := ch.conn.Close(); cerr != nil && !errors.Is(cerr, transport.ErrConnClosed) {
			err = errors.Wrap(cerr, "closing connection")
		}
	})
	return err
}

func (ch *Channel) writeLoop() {
	defer ch.failPending()

	for {
		select {
		case <-ch.closed:
			return
		case <-ch.wake:
		}

		for {
			ch.mu.Lock()
			w, err := ch.outbox.Dequeue()
			ch.mu.Unlock()
			if err != nil {
				break
			}

			if ch.IsClosed() {
				ch.complete(w.done, transport.ErrConnClosed)
				return
			}

			if err := ch.enc.Encode(w.msg); err != nil {
				ch.complete(w.done, &WriteError{Peer: ch.peer, Err: err})
				if errors.Is(err, message.ErrFrameTooLarge) {
					continue
				}
				// The stream may hold half a frame now.
				ch.logger.Debug("closing channel after write failure", "error", err)
				ch.Close()
				return
			}

			ch.complete(w.done, nil)
		}
	}
}

func (ch *Channel) failPending() {
	ch.mu.Lock()
	ch.stopped = true
	pending := ch.outbox.Drain()
	ch.mu.Unlock()

	for _, w := range pending {
		ch.complete(w.done, transport.ErrConnClosed)
	}
}

func (ch *Channel) complete(done WriteCallback, err error) {
	if done != nil {
		done(err)
	}
}
