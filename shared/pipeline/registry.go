package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crm-event-pipeline/shared/events"
)

type Handler func(ctx context.Context, env events.Envelope) error

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[events.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[events.Type]Handler)}
}

// Register installs h for t, replacing any previous handler.
func (r *Registry) Register(t events.Type, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("pipeline: nil handler for %s", t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// On registers a handler that receives the decoded, validated payload of t.
func On[T events.Payload](r *Registry, t events.Type, fn func(ctx context.Context, env events.Envelope, payload T) error) {
	r.Register(t, func(ctx context.Context, env events.Envelope) error {
		decoded, err := events.Decode(env.Type, env.Payload)
		if err != nil {
			return err
		}
		payload, ok := decoded.(T)
		if !ok {
			return &events.ValidationError{Type: env.Type, Reason: fmt.Sprintf("payload decoded as %T", decoded)}
		}
		return fn(ctx, env, payload)
	})
}

func (r *Registry) Dispatch(ctx context.Context, env events.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", events.ErrUnknownEventType, env.Type)
	}
	return h(ctx, env)
}

func (r *Registry) Handles(t events.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Missing lists known event types that have no handler. Binaries refuse to
// start while it is non-empty.
func (r *Registry) Missing() []events.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []events.Type
	for _, t := range events.Registered() {
		if _, ok := r.handlers[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) Types() []events.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
