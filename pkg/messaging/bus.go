package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/neurogrid/lifecycle/pkg/circuit"
)

// Sink receives published events.
type Sink interface {
	PublishEvent(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) PublishEvent(ctx context.Context, event *Event) error { return f(ctx, event) }

// Bus fans each event out to every attached sink, each behind its own
// circuit breaker so one dead sink does not slow the others.
type Bus struct {
	breakers *circuit.BreakerGroup

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewBus(breakers *circuit.BreakerGroup) *Bus {
	return &Bus{breakers: breakers, sinks: make(map[string]Sink)}
}

// Attach registers sink under name, replacing any previous one.
func (b *Bus) Attach(name string, sink Sink) {
	b.mu.Lock()
	b.sinks[name] = sink
	b.mu.Unlock()
}

// Publish delivers event to all sinks and joins their errors.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	names := make([]string, 0, len(b.sinks))
	for name := range b.sinks {
		names = append(names, name)
	}
	sinks := make(map[string]Sink, len(b.sinks))
	for k, v := range b.sinks {
		sinks[k] = v
	}
	b.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		sink := sinks[name]
		err := b.breakers.Execute(ctx, name, func() error {
			return sink.PublishEvent(ctx, event)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// States reports the breaker state of each sink.
func (b *Bus) States() map[string]circuit.State {
	return b.breakers.States()
}
