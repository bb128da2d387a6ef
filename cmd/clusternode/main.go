// Command clusternode runs one node of the cluster network over TCP and
// serves its metrics and status over HTTP.
package main

import (
	"cluster-com/cluster/com"
	"cluster-com/cluster/com/common"
	"cluster-com/transport"
	"cluster-com/transport/tcp"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type config struct {
	bindHost        string
	minPort         uint
	maxPort         uint
	name            string
	peers           string
	connectTimeout  time.Duration
	drainTimeout    time.Duration
	maxInboundConns int
	httpAddr        string
	debug           bool
}

func parseFlags(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("clusternode", flag.ContinueOnError)
	fs.StringVar(&cfg.bindHost, "bind", "", "interface to listen on, empty for all")
	fs.UintVar(&cfg.minPort, "min-port", 5001, "lowest cluster port to try")
	fs.UintVar(&cfg.maxPort, "max-port", 5099, "highest cluster port to try")
	fs.StringVar(&cfg.name, "name", "", "instance name published in the node URI")
	fs.StringVar(&cfg.peers, "peers", "", "comma separated peer addresses")
	fs.DurationVar(&cfg.connectTimeout, "connect-timeout", 5*time.Second, "outbound connect timeout")
	fs.DurationVar(&cfg.drainTimeout, "drain-timeout", 10*time.Second, "how long stop waits for pending sends")
	fs.IntVar(&cfg.maxInboundConns, "max-inbound", 0, "inbound connection limit, 0 for none")
	fs.StringVar(&cfg.httpAddr, "http", ":9090", "metrics and status address")
	fs.BoolVar(&cfg.debug, "debug", false, "log at debug level")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.minPort > 65535 || cfg.maxPort > 65535 {
		return cfg, errors.New("ports must be at most 65535")
	}
	return cfg, nil
}

func (cfg config) options(metrics *common.Metrics) com.Options {
	opts := com.Options{
		Name:    cfg.name,
		Metrics: metrics,
	}
	opts.Receiver.BindHost = cfg.bindHost
	opts.Receiver.Ports = transport.PortRange{Min: uint16(cfg.minPort), Max: uint16(cfg.maxPort)}
	opts.Sender.ConnectTimeout = cfg.connectTimeout
	opts.Sender.DrainTimeout = cfg.drainTimeout

	for _, peer := range strings.Split(cfg.peers, ",") {
		if peer = strings.TrimSpace(peer); peer != "" {
			opts.Peers = append(opts.Peers, peer)
		}
	}
	return opts
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := common.NewMetrics("", registry)

	network, err := com.New(
		tcp.New(tcp.Options{MaxInboundConns: cfg.maxInboundConns}),
		logger,
		clock.New(),
		cfg.options(metrics),
	)
	if err != nil {
		return err
	}

	if err := network.Start(); err != nil {
		return err
	}
	defer network.Shutdown()

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           newRouter(network, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", "addr", cfg.httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
