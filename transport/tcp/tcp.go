// Package tcp implements transport.Transport on top of the operating system's TCP stack.
package tcp

import (
	"cluster-com/transport"
	"context"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

type Addr struct {
	ip   netip.Addr
	port uint16
}

var _ transport.Addr = Addr{}

func NewAddr(ip netip.Addr, port uint16) Addr {
	return Addr{ip.Unmap(), port}
}

func addrFrom(a net.Addr) Addr {
	if tcpAddr, ok := a.(*net.TCPAddr); ok {
		ap := tcpAddr.AddrPort()
		return NewAddr(ap.Addr(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return Addr{}
	}
	return NewAddr(ap.Addr(), ap.Port())
}

func (a Addr) IP() netip.Addr { return a.ip }
func (a Addr) Host() string   { return a.ip.String() }
func (a Addr) Port() uint16   { return a.port }

func (a Addr) String() string {
	net := a.ip.String()
	if a.ip.Is6() {
		net = "[" + net + "]"
	}

	return net + ":" + strconv.FormatUint(uint64(a.port), 10)
}

type Options struct {
	// MaxInboundConns bounds connections open at once per listener. Zero means unbounded.
	MaxInboundConns int
	KeepAlive       time.Duration
}

type Transport struct {
	opts Options
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	return &Transport{opts: opts}
}

func hostPort(addr transport.Addr) string {
	host := addr.Host()
	if transport.IsWildcardHost(host) {
		host = ""
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(addr.Port()), 10))
}

func (t *Transport) Listen(addr transport.Addr) (transport.ConnListener, error) {
	lc := net.ListenConfig{KeepAlive: t.opts.KeepAlive}

	l, err := lc.Listen(context.Background(), "tcp", hostPort(addr))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "listening on %s", hostPort(addr))
		}
		return nil, errors.Wrapf(err, "listening on %s", hostPort(addr))
	}

	bound := addrFrom(l.Addr())
	if t.opts.MaxInboundConns > 0 {
		l = netutil.LimitListener(l, t.opts.MaxInboundConns)
	}

	return &listener{l: l, addr: bound}, nil
}

func (t *Transport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	d := net.Dialer{KeepAlive: t.opts.KeepAlive}

	c, err := d.DialContext(ctx, "tcp", hostPort(addr))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, errors.Wrapf(ctx.Err(), "dialing %s", hostPort(addr))
		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", hostPort(addr))
		case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
			return nil, errors.Wrapf(transport.ErrNetUnreachable, "dialing %s", hostPort(addr))
		}
		return nil, errors.Wrapf(err, "dialing %s", hostPort(addr))
	}

	return newConn(c), nil
}

type listener struct {
	l    net.Listener
	addr Addr

	closed atomic.Bool
}

var _ transport.ConnListener = (*listener)(nil)

func (l *listener) Addr() transport.Addr { return l.addr }

// Accept closes the listener when ctx is done, since net.Listener has no cancellation.
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	c, err := l.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrConnListenerClosed
		}
		return nil, errors.Wrap(err, "accepting connection")
	}

	return newConn(c), nil
}

func (l *listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return transport.ErrConnListenerClosed
	}
	return l.l.Close()
}

type conn struct {
	c net.Conn

	local, remote Addr

	// peerGone is set once the peer's FIN was read, so later writes fail fast.
	peerGone atomic.Bool
	once     sync.Once
}

var _ transport.Conn = (*conn)(nil)

func newConn(c net.Conn) *conn {
	return &conn{
		c:      c,
		local:  addrFrom(c.LocalAddr()),
		remote: addrFrom(c.RemoteAddr()),
	}
}

func (c *conn) LocalAddr() transport.Addr  { return c.local }
func (c *conn) RemoteAddr() transport.Addr { return c.remote }

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.c.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.peerGone.Store(true)
		}
		return n, convertErr(err)
	}
	return n, nil
}

func (c *conn) Write(p []byte) (int, error) {
	if c.peerGone.Load() {
		return 0, transport.ErrConnClosed
	}
	n, err := c.c.Write(p)
	return n, convertErr(err)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() { err = c.c.Close() })
	return err
}

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.c.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.c.SetWriteDeadline(t) }

func convertErr(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return transport.ErrConnClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		return transport.ErrDeadLineExceeded
	}
	return err
}
