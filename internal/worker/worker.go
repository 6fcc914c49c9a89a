package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cecton/pueuey/internal/metrics"
	"github.com/cecton/pueuey/internal/store"
)

// tracerName is the instrumentation scope for job spans.
const tracerName = "github.com/cecton/pueuey/internal/worker"

// State is the worker's position in its claim → execute → resolve cycle.
type State int32

const (
	StateIdle State = iota
	StateLocking
	StateProcessing
	StateSucceeded
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocking:
		return "locking"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config is the worker's queue selection and pacing.
type Config struct {
	// QueueNames are served in priority order.
	QueueNames []string
	// TopBound is the lock_head scan width for every queue.
	TopBound int
	// WaitInterval bounds each idle wait for a notification.
	WaitInterval time.Duration
	// ForkWorker runs each Work in a child process.
	ForkWorker bool
	// Notify makes the worker's queues publish on enqueue and the worker
	// listen while idle.
	Notify bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		QueueNames:   []string{"default"},
		TopBound:     store.DefaultTopBound,
		WaitInterval: 5 * time.Second,
		Notify:       true,
	}
}

// FailureHandler is called once for every job whose handler failed. The job
// is still claimed when it runs.
type FailureHandler func(ctx context.Context, job *store.Job, err error)

// SetupChildFunc prepares a freshly spawned child worker before it works.
// It must leave the worker bound to a session the child owns.
type SetupChildFunc func(ctx context.Context, w *Worker) error

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger. Defaults to the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithMetrics records claims, waits and resolutions into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer replaces the global tracer used for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithFailureHandler replaces the default failure handler, which logs.
func WithFailureHandler(h FailureHandler) Option {
	return func(w *Worker) { w.onFailure = h }
}

// WithSetupChild replaces the default child setup, which reconnects through
// the worker's Connector and rebinds every queue.
func WithSetupChild(fn SetupChildFunc) Option {
	return func(w *Worker) { w.setupChild = fn }
}

// WithSpawner sets how ForkAndWork starts a child.
func WithSpawner(s Spawner) Option {
	return func(w *Worker) { w.spawner = s }
}

// WithConnector sets how a child worker opens its own session.
func WithConnector(c Connector) Option {
	return func(w *Worker) { w.connect = c }
}

// Worker claims jobs from its queues and runs them through a Registry. A
// Worker is driven by a single goroutine; only Stop and State may be called
// from others.
type Worker struct {
	id       string
	cfg      Config
	registry *Registry
	session  *store.Session
	queues   []*store.Queue

	log        *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	onFailure  FailureHandler
	setupChild SetupChildFunc
	spawner    Spawner
	connect    Connector

	running atomic.Bool
	state   atomic.Int32
}

// New creates a worker serving cfg.QueueNames on session. session may be nil
// for a child worker that connects in RunChild.
func New(session *store.Session, reg *Registry, cfg Config, opts ...Option) *Worker {
	if len(cfg.QueueNames) == 0 {
		cfg.QueueNames = DefaultConfig().QueueNames
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultConfig().WaitInterval
	}
	w := &Worker{
		id:       uuid.New().String(),
		cfg:      cfg,
		registry: reg,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		if session != nil {
			w.log = session.Logger()
		} else {
			w.log = slog.Default()
		}
	}
	w.log = w.log.With("worker_id", w.id)
	if w.onFailure == nil {
		w.onFailure = w.logFailure
	}
	if w.setupChild == nil {
		w.setupChild = reconnect
	}
	if session != nil {
		w.Rebind(session)
	}
	w.running.Store(true)
	return w
}

// ID returns the worker's instance id.
func (w *Worker) ID() string { return w.id }

// State returns the worker's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Queues returns the worker's queues in priority order.
func (w *Worker) Queues() []*store.Queue { return w.queues }

// Session returns the session the worker's queues run on.
func (w *Worker) Session() *store.Session { return w.session }

// Rebind moves the worker and every queue onto session.
func (w *Worker) Rebind(session *store.Session) {
	w.session = session
	if w.queues == nil {
		w.queues = make([]*store.Queue, len(w.cfg.QueueNames))
		for i, name := range w.cfg.QueueNames {
			w.queues[i] = store.NewQueue(session, name,
				store.WithTopBound(w.cfg.TopBound),
				store.WithNotify(w.cfg.Notify),
				store.WithLogger(w.log))
		}
		return
	}
	for i, q := range w.queues {
		w.queues[i] = q.WithSession(session)
	}
}

// Stop asks the worker to finish. It is observed at the head of Start's and
// LockJob's loops; a job or wait already in progress runs to completion.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Start works jobs until Stop is called or ctx is cancelled, returning nil in
// both cases. A store error ends the loop and is returned.
func (w *Worker) Start(ctx context.Context) error {
	names := make([]string, len(w.queues))
	for i, q := range w.queues {
		names[i] = q.Name()
	}
	w.log.Info("worker started", "queues", names, "top_bound", w.cfg.TopBound, "fork", w.cfg.ForkWorker)

	for w.running.Load() && ctx.Err() == nil {
		w.setState(StateIdle)
		var err error
		if w.cfg.ForkWorker {
			err = w.ForkAndWork(ctx)
		} else {
			err = w.Work(ctx)
		}
		if err != nil {
			w.setState(StateStopped)
			w.log.Error("worker stopped on error", "error", err)
			return err
		}
	}
	w.setState(StateStopped)
	w.log.Info("worker stopped")
	return nil
}

// Work claims at most one job and processes it. It returns nil without
// processing anything when the worker is stopped or ctx is cancelled while
// waiting.
func (w *Worker) Work(ctx context.Context) error {
	q, job, err := w.LockJob(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		w.setState(StateIdle)
		return nil
	}
	return w.Process(ctx, q, job)
}

// LockJob scans the queues in order and returns the first job claimed. When
// a full pass finds nothing it waits for a notification on the queues'
// channels, at most WaitInterval, and rescans from the first queue whatever
// the wait returned. (nil, nil, nil) means the worker was stopped or ctx was
// cancelled.
func (w *Worker) LockJob(ctx context.Context) (*store.Queue, *store.Job, error) {
	w.setState(StateLocking)
	channels := w.channels()
	for w.running.Load() {
		if ctx.Err() != nil {
			return nil, nil, nil
		}
		for _, q := range w.queues {
			job, err := q.Lock(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, nil
				}
				return nil, nil, err
			}
			w.metrics.LockAttempt(q.Name(), job != nil)
			if job != nil {
				return q, job, nil
			}
		}

		n, err := w.session.WaitForNotification(ctx, w.cfg.WaitInterval, channels...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("wait for jobs: %w", err)
		}
		w.metrics.Wait(n != nil)
	}
	return nil, nil, nil
}

func (w *Worker) channels() []string {
	var out []string
	for _, q := range w.queues {
		if ch := q.Channel(); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// Process runs job's handler and resolves the job: deleted on success, left
// claimed and passed to the failure handler on failure. A job whose handler
// was cut short by ctx is unlocked so another worker can pick it up. The
// returned error is a store error; handler failures are never returned.
func (w *Worker) Process(ctx context.Context, q *store.Queue, job *store.Job) error {
	w.setState(StateProcessing)
	start := time.Now()
	log := w.log.With("queue", q.Name(), "job_id", job.ID, "handler", job.Handler)

	ctx, span := w.tracer.Start(ctx, "pueuey.job.process",
		trace.WithAttributes(
			attribute.Int64("pueuey.job.id", job.ID),
			attribute.String("pueuey.job.handler", job.Handler),
			attribute.String("pueuey.queue", q.Name()),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	resolved := false
	defer func() {
		if resolved {
			return
		}
		if err := q.Unlock(context.WithoutCancel(ctx), job.ID); err != nil {
			log.Error("unlock unresolved job", "error", err)
			return
		}
		log.Warn("unlocked unresolved job")
	}()

	callErr := w.Call(ctx, job)
	elapsed := time.Since(start)
	log = log.With("measure#qc.time-to-process", elapsed.Milliseconds(), "source", q.Name())

	if interrupted(ctx, callErr) {
		span.SetStatus(codes.Error, "interrupted")
		w.metrics.JobProcessed(q.Name(), metrics.OutcomeInterrupted, elapsed)
		w.setState(StateIdle)
		log.Warn("job interrupted", "error", callErr)
		return nil
	}
	// From here the handler has run to completion: the job must not be
	// handed out again.
	resolved = true

	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		w.setState(StateFailed)
		w.metrics.JobProcessed(q.Name(), metrics.OutcomeFailed, elapsed)
		log.Info("job finished", "outcome", metrics.OutcomeFailed)
		w.HandleFailure(context.WithoutCancel(ctx), job, callErr)
		return nil
	}

	if err := q.Delete(context.WithoutCancel(ctx), job.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	w.setState(StateSucceeded)
	w.metrics.JobProcessed(q.Name(), metrics.OutcomeSucceeded, elapsed)
	log.Info("job processed")
	return nil
}

// interrupted reports whether err is the handler giving up because ctx was
// cancelled. Any other error is a failure, even during shutdown.
func interrupted(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Call looks up job's handler and invokes it with the job's arguments. Every
// failure, including a missing handler and a panic, is a *HandlerError.
func (w *Worker) Call(ctx context.Context, job *store.Job) (err error) {
	h, ok := w.registry.Lookup(job.Handler)
	if !ok {
		return &HandlerError{JobID: job.ID, Handler: job.Handler, Err: ErrHandlerNotFound}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{JobID: job.ID, Handler: job.Handler, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h(ctx, job.Arguments); err != nil {
		return &HandlerError{JobID: job.ID, Handler: job.Handler, Err: err}
	}
	return nil
}

// HandleFailure passes a failed job to the configured failure handler.
func (w *Worker) HandleFailure(ctx context.Context, job *store.Job, err error) {
	w.onFailure(ctx, job, err)
}

func (w *Worker) logFailure(_ context.Context, job *store.Job, err error) {
	w.log.Error("job failed",
		"count#qc.job-error", 1,
		"queue", job.QueueName,
		"job_id", job.ID,
		"handler", job.Handler,
		"error", err)
}
