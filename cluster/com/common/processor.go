package common

import (
	"cluster-com/cluster/message"
	"sync"
)

// MessageProcessor consumes a message. Returning false stops the remaining
// processors from seeing it.
type MessageProcessor interface {
	Process(msg *message.Message) bool
}

type ProcessorFunc func(msg *message.Message) bool

func (f ProcessorFunc) Process(msg *message.Message) bool { return f(msg) }

// MessageSource delivers messages to registered processors.
type MessageSource interface {
	AddMessageProcessor(p MessageProcessor)
}

// MessageSender routes messages by their "to" header.
type MessageSender interface {
	MessageProcessor
	ProcessAll(msgs []*message.Message)
}

type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeStop
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeStop:
		return "stop"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

type ProcessResult struct {
	Outcome Outcome
	Err     error
}

// Invoke runs p on msg, turning a panic into an OutcomeFailed result.
func Invoke(index int, p MessageProcessor, msg *message.Message) (res ProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ProcessResult{
				Outcome: OutcomeFailed,
				Err:     &ProcessorError{Index: index, Panic: r},
			}
		}
	}()

	if p.Process(msg) {
		return ProcessResult{Outcome: OutcomeContinue}
	}
	return ProcessResult{Outcome: OutcomeStop}
}

// Processors is an ordered, concurrency safe processor chain.
type Processors struct {
	mu   sync.RWMutex
	list []MessageProcessor
}

func (ps *Processors) Add(p MessageProcessor) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.list = append(ps.list, p)
}

func (ps *Processors) Clear() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.list = nil
}

func (ps *Processors) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.list)
}

// Dispatch offers msg to each processor in registration order until one
// returns false. A failed processor does not stop the chain.
// report, if not nil, sees every result.
func (ps *Processors) Dispatch(msg *message.Message, report func(index int, res ProcessResult)) (delivered bool) {
	ps.mu.RLock()
	list := ps.list
	ps.mu.RUnlock()

	for i, p := range list {
		res := Invoke(i, p, msg)
		if report != nil {
			report(i, res)
		}
		if res.Outcome == OutcomeStop {
			return true
		}
	}
	return len(list) > 0
}
