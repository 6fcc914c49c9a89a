// Package worker runs the claim → execute → resolve loop over one or more
// queues on a single store session.
//
// Handlers are registered by name in a Registry before the worker starts; a
// job's handler column selects which one runs. A worker serves its queues in
// the order given: a later queue is only consulted when every earlier one
// came up empty. When every queue is empty the worker blocks on LISTEN for
// the queues' channels, bounded by the wait interval, and then rescans.
package worker

import (
	"context"
	"errors"
	"fmt"
)

// Handler is the function executed for each claimed job. args are the job's
// arguments in order, as decoded from JSON.
type Handler func(ctx context.Context, args []any) error

var (
	// ErrHandlerNotFound means no handler is registered under the job's
	// handler name.
	ErrHandlerNotFound = errors.New("worker: handler not found")

	// ErrArgumentMismatch means the job's arguments do not fit the handler's
	// parameters (wrong count or an unconvertible value).
	ErrArgumentMismatch = errors.New("worker: argument mismatch")
)

// HandlerError wraps any failure of a job's own logic: an error returned by
// the handler, a panic inside it, or a job that names no registered handler.
// Handler errors are contained by Process and never stop the worker.
type HandlerError struct {
	JobID   int64
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %d (%s): %v", e.JobID, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
