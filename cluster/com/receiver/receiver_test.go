package receiver

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/message"
	"cluster-com/cluster/uri"
	"cluster-com/transport"
	"cluster-com/transport/pipe"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

const (
	serverHost = "10.0.0.1"
	clientHost = "10.0.0.9"
	waitFor    = time.Second
)

type ReceiverTestSuite struct {
	suite.Suite

	network *pipe.PipeTransport
	clock   *clock.Mock
	logger  *slog.Logger

	registry   *common.Registry
	registerer *prometheus.Registry
	metrics    *common.Metrics
	receiver   *Receiver

	listening chan uri.URI
	opened    chan uri.URI
	closed    chan uri.URI
	received  chan *message.Message
}

func TestReceiverTestSuite(t *testing.T) {
	suite.Run(t, new(ReceiverTestSuite))
}

func (s *ReceiverTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.network = pipe.NewPipeTransport(s.clock, 0)
	s.logger = slog.New(slog.DiscardHandler)
	s.registry = common.NewRegistry()
	s.registerer = prometheus.NewRegistry()
	s.metrics = common.NewMetrics("", s.registerer)

	s.listening = make(chan uri.URI, 10)
	s.opened = make(chan uri.URI, 10)
	s.closed = make(chan uri.URI, 10)
	s.received = make(chan *message.Message, 100)

	s.receiver = s.newReceiver(serverHost)
}

func (s *ReceiverTestSuite) newReceiver(bindHost string) *Receiver {
	r := New(s.network.Host(serverHost), s.registry, s.logger, s.clock, Options{
		BindHost: bindHost,
		Ports:    transport.PortRange{Min: 5001, Max: 5003},
		Name:     "node-1",
		Metrics:  s.metrics,
	})
	r.AddListener(&common.ListenerFuncs{
		OnListeningAt:   func(me uri.URI) { s.listening <- me },
		OnChannelOpened: func(to uri.URI) { s.opened <- to },
		OnChannelClosed: func(to uri.URI) { s.closed <- to },
	})
	return r
}

func (s *ReceiverTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.receiver.Stop()
}

func (s *ReceiverTestSuite) collect() {
	s.receiver.AddMessageProcessor(common.ProcessorFunc(func(msg *message.Message) bool {
		s.received <- msg
		return true
	}))
}

func (s *ReceiverTestSuite) dial(port uint16) (transport.Conn, *message.Encoder) {
	conn, err := s.network.Host(clientHost).Dial(context.Background(), pipe.Addr{HostName: serverHost, PortNumber: port})
	s.Require().NoError(err)
	return conn, message.NewEncoder(conn)
}

func recv[T any](s *ReceiverTestSuite, c <-chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(waitFor):
		s.FailNow("timed out waiting")
	}
	var zero T
	return zero
}

func (s *ReceiverTestSuite) TestStart() {
	s.Require().NoError(s.receiver.Start())

	me := recv(s, s.listening)
	s.Equal("cluster://10.0.0.1:5001/?name=node-1", me.String())

	got, ok := s.receiver.ListeningAt()
	s.True(ok)
	s.Equal(me, got)

	// Starting again does not rebind.
	s.Require().NoError(s.receiver.Start())
	s.Empty(s.listening)
}

func (s *ReceiverTestSuite) TestBindSkipsOccupiedPort() {
	release, err := s.network.Host(serverHost).Occupy(5001)
	s.Require().NoError(err)
	defer release()

	s.Require().NoError(s.receiver.Start())
	s.Equal(uint16(5002), recv(s, s.listening).Port())
}

func (s *ReceiverTestSuite) TestBindExhausted() {
	for port := uint16(5001); port <= 5003; port++ {
		release, err := s.network.Host(serverHost).Occupy(port)
		s.Require().NoError(err)
		defer release()
	}

	err := s.receiver.Start()
	s.Require().ErrorIs(err, common.ErrBindExhausted)
	s.ErrorIs(err, transport.ErrAddrAlreadyInUse)

	var bindErr *common.BindError
	s.Require().ErrorAs(err, &bindErr)
	s.Len(bindErr.Failures, 3)
	s.Equal(uint16(5001), bindErr.Failures[0].Port)

	_, ok := s.receiver.ListeningAt()
	s.False(ok)
	s.Empty(s.listening)
}

func (s *ReceiverTestSuite) TestBindExhaustedReleasesPorts() {
	other := New(s.network.Host("10.0.0.2"), s.registry, s.logger, s.clock, Options{
		BindHost: serverHost, // Not this host's address.
		Ports:    transport.PortRange{Min: 6001, Max: 6002},
	})
	s.Require().ErrorIs(other.Start(), common.ErrBindExhausted)

	for _, port := range []uint16{6001, 6002} {
		release, err := s.network.Host("10.0.0.2").Occupy(port)
		s.Require().NoError(err, "port %d still held", port)
		release()
	}
}

func (s *ReceiverTestSuite) TestDispatchOrder() {
	var order []string
	done := make(chan struct{}, 10)

	s.receiver.AddMessageProcessor(common.ProcessorFunc(func(msg *message.Message) bool {
		order = append(order, "first:"+string(msg.Payload))
		return string(msg.Payload) != "stop"
	}))
	s.receiver.AddMessageProcessor(common.ProcessorFunc(func(msg *message.Message) bool {
		order = append(order, "second:"+string(msg.Payload))
		return true
	}))
	s.receiver.AddMessageProcessor(common.ProcessorFunc(func(msg *message.Message) bool {
		done <- struct{}{}
		return true
	}))
	s.Require().NoError(s.receiver.Start())

	conn, enc := s.dial(5001)
	defer conn.Close()

	s.Require().NoError(enc.Encode(message.New([]byte("stop"))))
	s.Require().NoError(enc.Encode(message.New([]byte("go"))))
	recv(s, done)

	s.Equal([]string{"first:stop", "first:go", "second:go"}, order)
}

func (s *ReceiverTestSuite) TestProcessorPanicIsContained() {
	s.receiver.AddMessageProcessor(common.ProcessorFunc(func(msg *message.Message) bool {
		if string(msg.Payload) == "bad" {
			panic("bad payload")
		}
		return true
	}))
	s.collect()
	s.Require().NoError(s.receiver.Start())

	conn, enc := s.dial(5001)
	defer conn.Close()

	s.Require().NoError(enc.Encode(message.New([]byte("bad"))))
	s.Require().NoError(enc.Encode(message.New([]byte("good"))))

	s.Equal("bad", string(recv(s, s.received).Payload))
	s.Equal("good", string(recv(s, s.received).Payload))

	// The connection survived the panic.
	s.Equal(1, s.receiver.Channels())
}

func (s *ReceiverTestSuite) TestFromIsCorrected() {
	s.collect()
	s.Require().NoError(s.receiver.Start())

	conn, enc := s.dial(5001)
	defer conn.Close()

	msg := message.New(nil)
	msg.SetHeader(message.HeaderFrom, "cluster://192.168.7.7:6000/?name=other")
	s.Require().NoError(enc.Encode(msg))

	from, _ := recv(s, s.received).Header(message.HeaderFrom)
	s.Equal("cluster://10.0.0.9:6000/?name=other", from)

	msg = message.New(nil)
	msg.SetHeader(message.HeaderFrom, "not a uri://")
	s.Require().NoError(enc.Encode(msg))

	from, _ = recv(s, s.received).Header(message.HeaderFrom)
	s.Equal("not a uri://", from)
}

func (s *ReceiverTestSuite) TestWildcardBindConfirmedOnFirstMessage() {
	s.receiver = s.newReceiver("")
	s.collect()
	s.Require().NoError(s.receiver.Start())
	s.Equal("cluster://0.0.0.0:5001/?name=node-1", recv(s, s.listening).String())

	conn, enc := s.dial(5001)
	defer conn.Close()

	for range 2 {
		s.Require().NoError(enc.Encode(message.New(nil)))
		recv(s, s.received)
	}

	s.Equal("cluster://10.0.0.1:5001/?name=node-1", recv(s, s.listening).String())
	s.Empty(s.listening)

	me, _ := s.receiver.ListeningAt()
	s.Equal("10.0.0.1", me.Host())
}

func (s *ReceiverTestSuite) TestChannelBookkeeping() {
	s.Require().NoError(s.receiver.Start())

	conn, _ := s.dial(5001)
	peer := uri.FromAddr(conn.LocalAddr())

	s.Equal(peer, recv(s, s.opened))
	s.Equal(clientHost, peer.Host())
	_, ok := s.registry.Get(peer)
	s.True(ok)

	s.Require().NoError(conn.Close())
	s.Equal(peer, recv(s, s.closed))
	s.Zero(s.registry.Len())
	s.Zero(s.receiver.Channels())

	s.Equal(1.0, metricValue(s.T(), s.registerer, "cluster_com_channels_opened_total", "inbound"))
	s.Equal(0.0, metricValue(s.T(), s.registerer, "cluster_com_open_channels", "inbound"))
}

func (s *ReceiverTestSuite) TestStopClosesChannels() {
	s.Require().NoError(s.receiver.Start())
	recv(s, s.listening)

	conn, _ := s.dial(5001)
	defer conn.Close()
	recv(s, s.opened)

	s.receiver.CloseChannels()
	recv(s, s.closed)

	_, err := conn.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)

	s.receiver.Stop()
	s.False(s.network.Listening(pipe.Addr{HostName: serverHost, PortNumber: 5001}))

	// The same port is free again.
	s.Require().NoError(s.receiver.Start())
	s.Equal(uint16(5001), recv(s, s.listening).Port())
}

func (s *ReceiverTestSuite) TestProcessLocal() {
	s.False(s.receiver.Process(message.New(nil)))

	s.collect()
	s.True(s.receiver.Process(message.New([]byte("local"))))
	s.Equal("local", string(recv(s, s.received).Payload))
}

func TestNewPanicsOnInvalidOptions(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, common.NewRegistry(), slog.New(slog.DiscardHandler), clock.New(), Options{
			Ports: transport.PortRange{Min: 10, Max: 5},
		})
	})
}

var errAcceptFailed = errors.New("too many open files")

// flakyTransport hands out listeners whose Accept fails a few times and then
// blocks until it is cancelled or closed.
type flakyTransport struct {
	failures int32
	accepts  atomic.Int32
}

func (t *flakyTransport) Dial(context.Context, transport.Addr) (transport.Conn, error) {
	return nil, transport.ErrConnRefused
}

func (t *flakyTransport) Listen(addr transport.Addr) (transport.ConnListener, error) {
	return &flakyListener{t: t, addr: addr, closed: make(chan struct{})}, nil
}

type flakyListener struct {
	t      *flakyTransport
	addr   transport.Addr
	once   sync.Once
	closed chan struct{}
}

func (l *flakyListener) Accept(ctx context.Context) (transport.Conn, error) {
	if l.t.accepts.Add(1) <= l.t.failures {
		return nil, errAcceptFailed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrConnListenerClosed
	}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() transport.Addr { return l.addr }

type errorCounter struct {
	n atomic.Int32
}

func (h *errorCounter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorCounter) Handle(context.Context, slog.Record) error {
	h.n.Add(1)
	return nil
}

func (h *errorCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *errorCounter) WithGroup(string) slog.Handler      { return h }

func TestAcceptErrorsAreRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := &flakyTransport{failures: 3}
	logs := &errorCounter{}

	r := New(tr, common.NewRegistry(), slog.New(logs), clock.New(), Options{
		BindHost:    serverHost,
		Ports:       transport.PortRange{Min: 5001, Max: 5001},
		AcceptRetry: time.Millisecond,
	})
	require.NoError(t, r.Start())

	// The loop outlives the failures and is back waiting in Accept.
	require.Eventually(t, func() bool { return tr.accepts.Load() > tr.failures }, waitFor, time.Millisecond)
	assert.EqualValues(t, tr.failures, logs.n.Load())

	_, listening := r.ListeningAt()
	assert.True(t, listening)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stop did not return")
	}
	assert.EqualValues(t, tr.failures+1, tr.accepts.Load())
}

// metricValue reads a single-label counter or gauge from registry.
func metricValue(t *testing.T, registry *prometheus.Registry, name, label string) float64 {
	families, err := registry.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != 1 || m.GetLabel()[0].GetValue() != label {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}

	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}
