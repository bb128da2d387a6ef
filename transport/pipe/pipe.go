// Package pipe implements an in-memory network of named hosts.
// Every connection is a pair of buffered pipes, so nothing touches a socket.
package pipe

import (
	"cluster-com/transport"
	"context"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const DefaultBufSize = 64 << 10

var ephemeralPorts = [2]uint16{49152, 65535}

type Addr struct {
	HostName   string
	PortNumber uint16
}

var _ transport.Addr = Addr{}

func (a Addr) Host() string   { return a.HostName }
func (a Addr) Port() uint16   { return a.PortNumber }
func (a Addr) String() string { return a.HostName + ":" + strconv.FormatUint(uint64(a.PortNumber), 10) }

type pipeRequest struct {
	conn     *bufferedPipe
	accepted chan struct{}
}

// PipeTransport is the shared in-memory network. Use Host to get the
// transport.Transport of one machine on it.
type PipeTransport struct {
	listeners map[Addr]*pipeListener
	hosts     map[string]*Host
	clock     clock.Clock
	bufSize   uint

	mu sync.Mutex
}

func NewPipeTransport(clock clock.Clock, bufSize uint) *PipeTransport {
	if bufSize == 0 {
		bufSize = DefaultBufSize
	}
	return &PipeTransport{
		listeners: make(map[Addr]*pipeListener),
		hosts:     make(map[string]*Host),
		clock:     clock,
		bufSize:   bufSize,
	}
}

// Host returns the machine named name, creating it on first use.
func (pt *PipeTransport) Host(name string) *Host {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if h, ok := pt.hosts[name]; ok {
		return h
	}

	h := &Host{
		transport: pt,
		name:      name,
		ports: transport.NewPortTable(transport.EphemeralPortOptions{
			Range:  ephemeralPorts,
			Rand:   func() uint16 { return uint16(rand.Uint32()) },
			MaxTry: 64,
		}),
	}
	pt.hosts[name] = h
	return h
}

// Listening reports whether something listens on addr.
func (pt *PipeTransport) Listening(addr Addr) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	_, ok := pt.listeners[addr]
	return ok
}

type Host struct {
	transport *PipeTransport
	name      string
	ports     *transport.PortTable
}

var _ transport.Transport = (*Host)(nil)

func (h *Host) Name() string { return h.name }

// Occupy takes port on this host without listening on it.
func (h *Host) Occupy(port uint16) (release func(), err error) {
	ok, _, release := h.ports.Occupy(port)
	if !ok {
		return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "%s:%d", h.name, port)
	}
	return release, nil
}

func (h *Host) Listen(addr transport.Addr) (transport.ConnListener, error) {
	host := addr.Host()
	if !transport.IsWildcardHost(host) && host != h.name {
		return nil, errors.Wrapf(transport.ErrNetUnreachable, "host %s cannot bind %s", h.name, addr)
	}

	ok, port, release := h.ports.Occupy(addr.Port())
	if !ok {
		return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "%s:%d", h.name, addr.Port())
	}

	pl := &pipeListener{
		addr:      Addr{HostName: host, PortNumber: port},
		local:     Addr{HostName: h.name, PortNumber: port},
		transport: h.transport,
		requests:  make(chan pipeRequest),
		closed:    make(chan struct{}),
		release:   release,
	}

	h.transport.mu.Lock()
	h.transport.listeners[pl.local] = pl
	h.transport.mu.Unlock()

	return pl, nil
}

func (h *Host) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	pt := h.transport
	target := Addr{HostName: addr.Host(), PortNumber: addr.Port()}

	pt.mu.Lock()
	listener, ok := pt.listeners[target]
	_, hostKnown := pt.hosts[target.HostName]
	pt.mu.Unlock()

	if !ok {
		if !hostKnown {
			return nil, errors.Wrapf(transport.ErrNetUnreachable, "dialing %s", target)
		}
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", target)
	}

	ok, port, release := h.ports.Occupy(0)
	if !ok {
		return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "no ephemeral port left on %s", h.name)
	}

	p1, p2 := BufferedPipe(Addr{HostName: h.name, PortNumber: port}, listener.local, pt.clock, pt.bufSize)
	p1.onClose = release

	req := pipeRequest{
		conn:     p2,
		accepted: make(chan struct{}, 1),
	}

	fail := func(err error) (transport.Conn, error) {
		release()
		return nil, err
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-listener.closed:
		return fail(errors.Wrapf(transport.ErrConnRefused, "dialing %s", target))
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		// The listener may already own p2; closing p1 lets its reader see EOF.
		p1.Close()
		return nil, ctx.Err()
	case _, accepted := <-req.accepted:
		if !accepted {
			return fail(errors.Wrapf(transport.ErrConnRefused, "dialing %s", target))
		}
	}

	return p1, nil
}

type pipeListener struct {
	addr  Addr // as requested, possibly wildcard.
	local Addr // concrete address.

	transport *PipeTransport

	requests chan pipeRequest
	closed   chan struct{}
	release  func()

	once sync.Once
}

var _ transport.ConnListener = (*pipeListener)(nil)

func (pl *pipeListener) Addr() transport.Addr { return pl.addr }

func (pl *pipeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pl.closed:
		return nil, transport.ErrConnListenerClosed
	case request := <-pl.requests:
		select {
		case <-ctx.Done():
			close(request.accepted)
			return nil, ctx.Err()
		case request.accepted <- struct{}{}:
		}

		return request.conn, nil
	}
}

func (pl *pipeListener) Close() error {
	err := transport.ErrConnListenerClosed
	pl.once.Do(func() {
		err = nil
		close(pl.closed)

		pl.transport.mu.Lock()
		delete(pl.transport.listeners, pl.local)
		pl.transport.mu.Unlock()

		pl.release()
	})
	return err
}
