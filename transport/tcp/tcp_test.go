package tcp

import (
	"cluster-com/transport"
	"cluster-com/transport/test"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var loopback = NewAddr(netip.MustParseAddr("127.0.0.1"), 0)

type TCPConnTestSuite struct {
	test.ConnTestSuite
}

func TestTCPConnTestSuite(t *testing.T) {
	suite.Run(t, new(TCPConnTestSuite))
}

func (s *TCPConnTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()

	tr := New(Options{})
	lis, err := tr.Listen(loopback)
	s.Require().NoError(err)
	defer lis.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := lis.Accept(context.Background())
		s.NoError(err)
		accepted <- conn
	}()

	s.C1, err = tr.Dial(context.Background(), lis.Addr())
	s.Require().NoError(err)
	s.C2 = <-accepted
	s.Require().NotNil(s.C2)
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "127.0.0.1:5001", NewAddr(netip.MustParseAddr("127.0.0.1"), 5001).String())
	assert.Equal(t, "[::1]:5001", NewAddr(netip.MustParseAddr("::1"), 5001).String())
	assert.Equal(t, "10.1.2.3", NewAddr(netip.MustParseAddr("::ffff:10.1.2.3"), 1).Host())
}

func TestListenAddrInUse(t *testing.T) {
	tr := New(Options{})

	lis, err := tr.Listen(loopback)
	require.NoError(t, err)
	defer lis.Close()

	_, err = tr.Listen(lis.Addr())
	assert.ErrorIs(t, err, transport.ErrAddrAlreadyInUse)
}

func TestListenerClose(t *testing.T) {
	tr := New(Options{})

	lis, err := tr.Listen(loopback)
	require.NoError(t, err)
	require.NoError(t, lis.Close())
	assert.ErrorIs(t, lis.Close(), transport.ErrConnListenerClosed)

	_, err = lis.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrConnListenerClosed)
}

func TestAcceptCancels(t *testing.T) {
	tr := New(Options{})

	lis, err := tr.Listen(loopback)
	require.NoError(t, err)
	defer lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	conn, err := lis.Accept(ctx)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialRefused(t *testing.T) {
	tr := New(Options{})

	lis, err := tr.Listen(loopback)
	require.NoError(t, err)
	addr := lis.Addr()
	require.NoError(t, lis.Close())

	_, err = tr.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, transport.ErrConnRefused)
}

func TestWildcardListen(t *testing.T) {
	tr := New(Options{})

	lis, err := tr.Listen(NewAddr(netip.IPv4Unspecified(), 0))
	require.NoError(t, err)
	defer lis.Close()

	assert.NotZero(t, lis.Addr().Port())

	go func() {
		conn, err := lis.Accept(context.Background())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := tr.Dial(context.Background(), NewAddr(netip.MustParseAddr("127.0.0.1"), lis.Addr().Port()))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", conn.RemoteAddr().Host())
	require.NoError(t, conn.Close())
}

func TestMaxInboundConns(t *testing.T) {
	tr := New(Options{MaxInboundConns: 1})

	lis, err := tr.Listen(loopback)
	require.NoError(t, err)
	defer lis.Close()

	c1, err := tr.Dial(context.Background(), lis.Addr())
	require.NoError(t, err)
	defer c1.Close()

	first, err := lis.Accept(context.Background())
	require.NoError(t, err)

	// The kernel completes the handshake; only Accept is held back.
	c2, err := tr.Dial(context.Background(), lis.Addr())
	require.NoError(t, err)
	defer c2.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := lis.Accept(context.Background())
		if err == nil {
			accepted <- conn
		}
	}()

	assert.Never(t, func() bool { return len(accepted) > 0 }, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, first.Close())

	var second transport.Conn
	require.Eventually(t, func() bool {
		select {
		case second = <-accepted:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Close())
}
