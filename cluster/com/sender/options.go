package sender

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/uri"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
	DefaultPort           = 5001
)

type Options struct {
	// Peers is the static broadcast set. It may include this node.
	Peers []uri.URI
	// DefaultPort completes "to" headers that carry no port.
	DefaultPort uint16

	ConnectTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for send workers.
	DrainTimeout time.Duration

	Metrics *common.Metrics
	Tracer  *common.Tracer
}

func (o Options) withDefaults() Options {
	if o.DefaultPort == 0 {
		o.DefaultPort = DefaultPort
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Metrics == nil {
		o.Metrics = common.NewMetrics("", nil)
	}
	if o.Tracer == nil {
		o.Tracer = common.NewTracer(nil)
	}
	return o
}

func (o Options) validate() error {
	if o.ConnectTimeout < 0 {
		return errors.New("connect timeout must not be negative")
	}
	if o.DrainTimeout < 0 {
		return errors.New("drain timeout must not be negative")
	}
	for _, peer := range o.Peers {
		if peer.IsZero() {
			return errors.New("peer must not be empty")
		}
	}
	return nil
}

// Validate reports whether New would accept o.
func (o Options) Validate() error {
	return o.withDefaults().validate()
}
