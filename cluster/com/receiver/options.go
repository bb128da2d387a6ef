package receiver

import (
	"cluster-com/cluster/com/common"
	"cluster-com/transport"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultPort        = 5001
	DefaultMaxPort     = 5099
	DefaultAcceptRetry = 100 * time.Millisecond
)

type Options struct {
	// BindHost is the interface to listen on. Empty means every interface.
	BindHost string
	// Ports are tried in ascending order, the first free one wins.
	Ports transport.PortRange
	// Name is the optional instance name published in the self URI.
	Name string
	// DefaultPort completes "from" headers that carry no port.
	DefaultPort uint16

	// AcceptRetry is the minimum interval between retries after an
	// accept error.
	AcceptRetry time.Duration

	Metrics *common.Metrics
	Tracer  *common.Tracer
}

func (o Options) withDefaults() Options {
	if o.Ports == (transport.PortRange{}) {
		o.Ports = transport.PortRange{Min: DefaultPort, Max: DefaultMaxPort}
	}
	if o.DefaultPort == 0 {
		o.DefaultPort = DefaultPort
	}
	if o.AcceptRetry == 0 {
		o.AcceptRetry = DefaultAcceptRetry
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
	if err := o.Ports.Validate(); err != nil {
		return errors.Wrap(err, "invalid ports")
	}
	if o.AcceptRetry < 0 {
		return errors.New("accept retry must not be negative")
	}
	return nil
}

func (o Options) acceptLimit() rate.Limit {
	return rate.Every(o.AcceptRetry)
}

// Validate reports whether New would accept o.
func (o Options) Validate() error {
	return o.withDefaults().validate()
}
