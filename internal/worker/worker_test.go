// ABOUTME: Integration tests for Worker against a real Postgres: resolution, priority, cancellation,
// ABOUTME: notification wake-up, tracing and metrics. Each test gets its own container.
package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/cecton/pueuey/internal/metrics"
	"github.com/cecton/pueuey/internal/store"
	"github.com/cecton/pueuey/internal/testutil"
	"github.com/cecton/pueuey/internal/worker"
)

func testConfig(queues ...string) worker.Config {
	cfg := worker.DefaultConfig()
	if len(queues) > 0 {
		cfg.QueueNames = queues
	}
	cfg.WaitInterval = 200 * time.Millisecond
	return cfg
}

// lockedAt reads a job's locked_at; found is false when the row is gone.
func lockedAt(t *testing.T, conn *pgx.Conn, id int64) (at *time.Time, found bool) {
	t.Helper()
	err := conn.QueryRow(context.Background(),
		"SELECT locked_at FROM queue_classic_jobs WHERE id = $1", id).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("read locked_at: %v", err)
	}
	return at, true
}

type failure struct {
	job *store.Job
	err error
}

func recordFailures() (worker.Option, func() []failure) {
	var (
		mu  sync.Mutex
		got []failure
	)
	opt := worker.WithFailureHandler(func(_ context.Context, job *store.Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, failure{job: job, err: err})
	})
	return opt, func() []failure {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(got)
	}
}

func TestWorker_NewBindsConfiguredQueues(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	cfg := testConfig("high", "low")
	cfg.TopBound = 3
	cfg.Notify = false
	w := worker.New(db.Session(t), worker.NewRegistry(), cfg)

	if w.ID() == "" {
		t.Error("ID() is empty")
	}
	qs := w.Queues()
	if len(qs) != 2 || qs[0].Name() != "high" || qs[1].Name() != "low" {
		t.Fatalf("Queues() = %v, want [high low]", qs)
	}
	for _, q := range qs {
		if q.TopBound() != 3 {
			t.Errorf("queue %s TopBound() = %d, want 3", q.Name(), q.TopBound())
		}
		if q.Channel() != "" {
			t.Errorf("queue %s Channel() = %q, want none for a non-notifying worker", q.Name(), q.Channel())
		}
		if q.Session() != w.Session() {
			t.Errorf("queue %s is bound to another session", q.Name())
		}
	}

	other := db.Session(t)
	w.Rebind(other)
	for _, q := range w.Queues() {
		if q.Session() != other || q.TopBound() != 3 {
			t.Errorf("after Rebind, queue %s: session moved=%v top_bound=%d", q.Name(), q.Session() == other, q.TopBound())
		}
	}
}

func TestWorker_WorkDeletesOnSuccess(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	var got []any
	reg := worker.NewRegistry()
	reg.Register("echo", func(_ context.Context, args []any) error {
		got = args
		return nil
	})
	w := worker.New(db.Session(t), reg, testConfig())

	id, err := producer.Enqueue(ctx, "echo", 1, "a")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Work(ctx); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(got) != 2 || got[0] != json.Number("1") || got[1] != "a" {
		t.Errorf("handler args = %#v, want [1 a]", got)
	}
	if _, found := lockedAt(t, db.Conn(t), id); found {
		t.Error("job still present after successful processing")
	}
	if s := w.State(); s != worker.StateSucceeded {
		t.Errorf("State() = %v, want %v", s, worker.StateSucceeded)
	}
}

// A failed job is neither deleted nor unlocked: it stays claimed until an
// operator intervenes. This is the current contract, not a retry policy.
func TestWorker_FailureLeavesJobClaimed(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	boom := errors.New("boom")
	reg := worker.NewRegistry()
	reg.Register("explode", func(context.Context, []any) error { return boom })
	opt, failures := recordFailures()
	w := worker.New(db.Session(t), reg, testConfig(), opt)

	id, err := producer.Enqueue(ctx, "explode")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Work(ctx); err != nil {
		t.Fatalf("Work returned %v, want nil for a handler failure", err)
	}

	fs := failures()
	if len(fs) != 1 {
		t.Fatalf("failure handler called %d times, want 1", len(fs))
	}
	if fs[0].job.ID != id {
		t.Errorf("failure job id = %d, want %d", fs[0].job.ID, id)
	}
	var he *worker.HandlerError
	if !errors.As(fs[0].err, &he) || !errors.Is(fs[0].err, boom) {
		t.Errorf("failure err = %v, want *HandlerError wrapping boom", fs[0].err)
	}

	at, found := lockedAt(t, db.Conn(t), id)
	if !found {
		t.Fatal("failed job was deleted")
	}
	if at == nil {
		t.Error("failed job was unlocked, want it left claimed")
	}
	if job, err := producer.Lock(ctx); err != nil || job != nil {
		t.Errorf("Lock after failure = %v, %v; want nil", job, err)
	}
	if s := w.State(); s != worker.StateFailed {
		t.Errorf("State() = %v, want %v", s, worker.StateFailed)
	}
}

func TestWorker_LogsProcessingTimeForEveryOutcome(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	reg := worker.NewRegistry()
	reg.Register("ok", func(context.Context, []any) error { return nil })
	reg.Register("bad", func(context.Context, []any) error { return errors.New("bad") })
	opt, _ := recordFailures()
	w := worker.New(db.Session(t), reg, testConfig(), worker.WithLogger(logger), opt)

	for _, h := range []string{"bad", "ok"} {
		if _, err := producer.Enqueue(ctx, h); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := w.Work(ctx); err != nil {
			t.Fatalf("Work(%s): %v", h, err)
		}
	}

	timed := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"measure#qc.time-to-process"`) && strings.Contains(line, `"source":"default"`) {
			timed[logMsg(line)] = true
		}
	}
	if !timed["job finished"] || !timed["job processed"] {
		t.Errorf("timed log lines = %v, want both the failed and the succeeded job\n%s", timed, buf.String())
	}
}

// logMsg returns the msg field of one JSON log line.
func logMsg(line string) string {
	var rec struct {
		Msg string `json:"msg"`
	}
	_ = json.Unmarshal([]byte(line), &rec)
	return rec.Msg
}

func TestWorker_UnknownHandlerAndPanicAreFailures(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	reg := worker.NewRegistry()
	reg.Register("panics", func(context.Context, []any) error { panic("kaboom") })
	opt, failures := recordFailures()
	w := worker.New(db.Session(t), reg, testConfig(), opt)

	for _, h := range []string{"nobody.home", "panics"} {
		if _, err := producer.Enqueue(ctx, h); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := w.Work(ctx); err != nil {
			t.Fatalf("Work(%s): %v", h, err)
		}
	}

	fs := failures()
	if len(fs) != 2 {
		t.Fatalf("failure handler called %d times, want 2", len(fs))
	}
	if !errors.Is(fs[0].err, worker.ErrHandlerNotFound) {
		t.Errorf("unknown handler err = %v, want ErrHandlerNotFound", fs[0].err)
	}
	var he *worker.HandlerError
	if !errors.As(fs[1].err, &he) || !strings.Contains(he.Error(), "kaboom") {
		t.Errorf("panic err = %v, want *HandlerError mentioning the panic", fs[1].err)
	}
}

func TestWorker_DrainsQueuesInPriorityOrder(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	s := db.Session(t)
	a := store.NewQueue(s, "a")
	b := store.NewQueue(s, "b")

	// b's jobs are older, so only priority can put a first.
	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "record", "b"); err != nil {
			t.Fatalf("Enqueue b: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Enqueue(ctx, "record", "a"); err != nil {
			t.Fatalf("Enqueue a: %v", err)
		}
	}

	var order []string
	reg := worker.NewRegistry()
	reg.Register("record", worker.Func1(func(_ context.Context, q string) error {
		order = append(order, q)
		return nil
	}))
	w := worker.New(db.Session(t), reg, testConfig("a", "b"))

	for i := 0; i < 6; i++ {
		if err := w.Work(ctx); err != nil {
			t.Fatalf("Work %d: %v", i, err)
		}
	}
	want := []string{"a", "a", "a", "b", "b", "b"}
	if !slices.Equal(order, want) {
		t.Errorf("processing order = %v, want %v", order, want)
	}
}

func TestWorker_StartReturnsOnCancel(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	cfg := testConfig()
	cfg.WaitInterval = 30 * time.Second
	w := worker.New(db.Session(t), worker.NewRegistry(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after cancel = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel; the idle wait is not cancellable")
	}
	if s := w.State(); s != worker.StateStopped {
		t.Errorf("State() = %v, want %v", s, worker.StateStopped)
	}
}

func TestWorker_StopFromHandler(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	var w *worker.Worker
	calls := 0
	reg := worker.NewRegistry()
	reg.Register("stop", func(context.Context, []any) error {
		calls++
		w.Stop()
		return nil
	})
	w = worker.New(db.Session(t), reg, testConfig())

	for i := 0; i < 2; i++ {
		if _, err := producer.Enqueue(ctx, "stop"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times after Stop, want 1", calls)
	}
	if n, err := producer.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1 job left", n, err)
	}

	// A stopped worker does not claim.
	q, job, err := w.LockJob(ctx)
	if err != nil || q != nil || job != nil {
		t.Errorf("LockJob on stopped worker = %v, %v, %v", q, job, err)
	}
}

func TestWorker_WakesOnNotification(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	producer := db.Queue(t, "default")

	ran := make(chan struct{}, 1)
	reg := worker.NewRegistry()
	reg.Register("ping", worker.Func0(func(context.Context) error {
		ran <- struct{}{}
		return nil
	}))
	cfg := testConfig()
	cfg.WaitInterval = 30 * time.Second
	w := worker.New(db.Session(t), reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var eg errgroup.Group
	eg.Go(func() error { return w.Start(ctx) })

	// Let the worker settle into its wait before publishing.
	time.Sleep(500 * time.Millisecond)
	start := time.Now()
	if _, err := producer.Enqueue(context.Background(), "ping"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-ran:
		if elapsed := time.Since(start); elapsed > 10*time.Second {
			t.Errorf("job ran %v after enqueue, want well under the wait interval", elapsed)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not wake on notification")
	}

	cancel()
	if err := eg.Wait(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestWorker_InterruptedJobIsUnlocked(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	producer := db.Queue(t, "default")

	started := make(chan struct{})
	reg := worker.NewRegistry()
	reg.Register("block", func(ctx context.Context, _ []any) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	opt, failures := recordFailures()
	w := worker.New(db.Session(t), reg, testConfig(), opt)

	id, err := producer.Enqueue(context.Background(), "block")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	at, found := lockedAt(t, db.Conn(t), id)
	if !found {
		t.Fatal("interrupted job was deleted")
	}
	if at != nil {
		t.Error("interrupted job is still claimed, want it unlocked")
	}
	if n := len(failures()); n != 0 {
		t.Errorf("failure handler called %d times for an interruption", n)
	}
}

// A handler that fails on its own account while shutdown is under way has
// still resolved the job: it stays claimed and goes to the failure handler.
func TestWorker_FailureDuringShutdownIsNotInterruption(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	producer := db.Queue(t, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	badInput := errors.New("bad input")
	reg := worker.NewRegistry()
	reg.Register("validate", func(context.Context, []any) error {
		cancel()
		return badInput
	})
	opt, failures := recordFailures()
	w := worker.New(db.Session(t), reg, testConfig(), opt)

	id, err := producer.Enqueue(context.Background(), "validate")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	at, found := lockedAt(t, db.Conn(t), id)
	if !found {
		t.Fatal("failed job was deleted")
	}
	if at == nil {
		t.Error("failed job was unlocked, want it left claimed")
	}
	fs := failures()
	if len(fs) != 1 {
		t.Fatalf("failure handler called %d times, want 1", len(fs))
	}
	if !errors.Is(fs[0].err, badInput) {
		t.Errorf("failure err = %v, want %v", fs[0].err, badInput)
	}
	if s := w.State(); s != worker.StateStopped {
		t.Errorf("State() = %v, want %v", s, worker.StateStopped)
	}
}

func TestWorker_ConcurrentWorkersRunEachJobOnce(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	const jobs = 30
	for i := 0; i < jobs; i++ {
		if _, err := producer.Enqueue(ctx, "count", i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		runs  = make(map[int]int)
		total int
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reg := worker.NewRegistry()
	reg.Register("count", worker.Func1(func(_ context.Context, i int) error {
		mu.Lock()
		defer mu.Unlock()
		runs[i]++
		if total++; total == jobs {
			cancel()
		}
		return nil
	}))

	var eg errgroup.Group
	for c := 0; c < 3; c++ {
		w := worker.New(db.Session(t), reg, testConfig())
		eg.Go(func() error { return w.Start(ctx) })
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(runs) != jobs {
		t.Errorf("ran %d distinct jobs, want %d", len(runs), jobs)
	}
	for i, n := range runs {
		if n != 1 {
			t.Errorf("job %d ran %d times", i, n)
		}
	}
}

func TestWorker_TracesAndMeasuresJobs(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	producer := db.Queue(t, "default")

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg := prometheus.NewRegistry()

	handlers := worker.NewRegistry()
	handlers.Register("ok", func(context.Context, []any) error { return nil })
	handlers.Register("bad", func(context.Context, []any) error { return errors.New("bad") })
	opt, _ := recordFailures()
	w := worker.New(db.Session(t), handlers, testConfig(), opt,
		worker.WithTracer(tp.Tracer("test")),
		worker.WithMetrics(metrics.New(reg)))

	okID, err := producer.Enqueue(ctx, "ok")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := producer.Enqueue(ctx, "bad"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := w.Work(ctx); err != nil {
			t.Fatalf("Work: %v", err)
		}
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "pueuey.job.process" {
			t.Errorf("span name = %q", span.Name())
		}
	}
	if got := spans[0].Status().Code; got != codes.Ok {
		t.Errorf("success span status = %v, want Ok", got)
	}
	if !slices.Contains(spans[0].Attributes(), attribute.Int64("pueuey.job.id", okID)) {
		t.Errorf("success span attributes %v lack the job id", spans[0].Attributes())
	}
	if got := spans[1].Status().Code; got != codes.Error {
		t.Errorf("failure span status = %v, want Error", got)
	}
	if len(spans[1].Events()) == 0 {
		t.Error("failure span has no recorded error event")
	}

	want := `
# HELP pueuey_jobs_processed_total Jobs taken through the handler, by queue and outcome.
# TYPE pueuey_jobs_processed_total counter
pueuey_jobs_processed_total{outcome="failed",queue="default"} 1
pueuey_jobs_processed_total{outcome="succeeded",queue="default"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(want), "pueuey_jobs_processed_total"); err != nil {
		t.Errorf("metrics: %v", err)
	}
}
