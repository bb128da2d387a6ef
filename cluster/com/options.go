package com

import (
	"cluster-com/cluster/com/common"
	"cluster-com/cluster/com/receiver"
	"cluster-com/cluster/com/sender"
	"cluster-com/cluster/uri"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPort = 5001

type Options struct {
	Receiver receiver.Options
	Sender   sender.Options

	// Peers is the static cluster membership used for broadcast, in any form
	// uri.Parse accepts. It may include this node.
	Peers []string
	// Name is the instance name published in the self URI.
	Name string
	// DefaultPort completes addresses without a port.
	DefaultPort uint16

	// Metrics defaults to an unregistered set.
	Metrics *common.Metrics
	// TracerProvider defaults to a no-op provider.
	TracerProvider trace.TracerProvider
}

// build fills in defaults and pushes shared settings down to the components.
func (o Options) build() (Options, error) {
	if o.DefaultPort == 0 {
		o.DefaultPort = DefaultPort
	}
	if o.Metrics == nil {
		o.Metrics = common.NewMetrics("", nil)
	}
	tracer := common.NewTracer(o.TracerProvider)

	o.Receiver.Name = o.Name
	o.Receiver.DefaultPort = o.DefaultPort
	o.Receiver.Metrics = o.Metrics
	o.Receiver.Tracer = tracer

	o.Sender.DefaultPort = o.DefaultPort
	o.Sender.Metrics = o.Metrics
	o.Sender.Tracer = tracer

	peers := make([]uri.URI, 0, len(o.Peers))
	for _, raw := range o.Peers {
		peer, err := uri.Parse(raw, o.DefaultPort)
		if err != nil {
			return o, &common.AddressError{Raw: raw, Err: err}
		}
		peers = append(peers, peer)
	}
	o.Sender.Peers = peers

	return o, o.validate()
}

func (o Options) validate() error {
	if err := o.Receiver.Validate(); err != nil {
		return errors.Wrap(err, "receiver")
	}
	if err := o.Sender.Validate(); err != nil {
		return errors.Wrap(err, "sender")
	}
	return nil
}
