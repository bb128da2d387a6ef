package common

import (
	"cluster-com/cluster/uri"
	"cluster-com/transport"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrBindExhausted    = errors.New("no port in range could be bound")
	ErrConnectFailed    = errors.New("connect failed")
	ErrWriteFailed      = errors.New("write failed")
	ErrProcessorFailure = errors.New("message processor failed")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrMalformedAddress = errors.New("malformed address")
)

// IsDisconnect reports whether err only means the peer went away.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrPeerDisconnected) ||
		errors.Is(err, transport.ErrConnClosed) ||
		errors.Is(err, io.EOF)
}

// PortFailure is why a single port could not be bound.
type PortFailure struct {
	Port uint16
	Err  error
}

type BindError struct {
	Host     string
	Range    transport.PortRange
	Failures []PortFailure
}

func (e *BindError) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%s: host %q ports [%d,%d]", ErrBindExhausted, e.Host, e.Range.Min, e.Range.Max)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(b, "%d: %s", f.Port, f.Err)
	}
	return b.String()
}

func (e *BindError) Is(target error) bool { return target == ErrBindExhausted }

func (e *BindError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

type ConnectError struct {
	Peer uri.URI
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s to %s: %s", ErrConnectFailed, e.Peer, e.Err)
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }
func (e *ConnectError) Unwrap() error        { return e.Err }

type WriteError struct {
	Peer uri.URI
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s to %s: %s", ErrWriteFailed, e.Peer, e.Err)
}

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }
func (e *WriteError) Unwrap() error        { return e.Err }

// ProcessorError describes a processor that panicked.
type ProcessorError struct {
	Index int
	Panic any
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: processor #%d panicked: %v", ErrProcessorFailure, e.Index, e.Panic)
}

func (e *ProcessorError) Is(target error) bool { return target == ErrProcessorFailure }

func (e *ProcessorError) Unwrap() error {
	if err, ok := e.Panic.(error); ok {
		return err
	}
	return nil
}

type AddressError struct {
	Raw string
	Err error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformedAddress, e.Raw, e.Err)
}

func (e *AddressError) Is(target error) bool { return target == ErrMalformedAddress }
func (e *AddressError) Unwrap() error        { return e.Err }
