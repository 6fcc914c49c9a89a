package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cecton/pueuey/internal/store"
)

// Registry maps handler names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with name, replacing any previous registration.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Func0 adapts a handler that takes no arguments.
func Func0(fn func(ctx context.Context) error) Handler {
	return func(ctx context.Context, args []any) error {
		if err := checkArity(args, 0); err != nil {
			return err
		}
		return fn(ctx)
	}
}

// Func1 adapts a handler with one typed argument.
func Func1[A any](fn func(ctx context.Context, a A) error) Handler {
	return func(ctx context.Context, args []any) error {
		if err := checkArity(args, 1); err != nil {
			return err
		}
		a, err := convertArg[A](args, 0)
		if err != nil {
			return err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a handler with two typed arguments.
func Func2[A, B any](fn func(ctx context.Context, a A, b B) error) Handler {
	return func(ctx context.Context, args []any) error {
		if err := checkArity(args, 2); err != nil {
			return err
		}
		a, err := convertArg[A](args, 0)
		if err != nil {
			return err
		}
		b, err := convertArg[B](args, 1)
		if err != nil {
			return err
		}
		return fn(ctx, a, b)
	}
}

func checkArity(args []any, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: got %d arguments, want %d", ErrArgumentMismatch, len(args), want)
	}
	return nil
}

// convertArg converts a JSON-decoded argument to T. Values already of type T
// pass through; anything else takes a JSON round trip, so json.Number becomes
// int64 or float64 and map[string]any becomes a struct. Numbers nested in
// untyped targets stay json.Number.
func convertArg[T any](args []any, i int) (T, error) {
	var out T
	if v, ok := args[i].(T); ok {
		return v, nil
	}
	raw, err := json.Marshal(args[i])
	if err != nil {
		return out, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, i, err)
	}
	if err := store.UnmarshalJSON(raw, &out); err != nil {
		return out, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, i, err)
	}
	return out, nil
}
