// ABOUTME: Queue is a named view over queue_classic_jobs: enqueue, lock (via lock_head), unlock, delete.
// ABOUTME: Notifying queues publish on a channel named after the queue after every insert.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lib/pq"
)

// DefaultTopBound is the lock_head scan width used when none is configured.
// 1 gives strict FIFO; wider windows trade ordering for less contention.
const DefaultTopBound = 9

const (
	insertJobSQL = `
INSERT INTO queue_classic_jobs (queue_name, handler, arguments)
VALUES ($1, $2, $3)
RETURNING id`

	unlockJobSQL    = `UPDATE queue_classic_jobs SET locked_at = NULL WHERE id = $1`
	deleteJobSQL    = `DELETE FROM queue_classic_jobs WHERE id = $1`
	countJobsSQL    = `SELECT count(*) FROM queue_classic_jobs WHERE queue_name = $1`
	deleteAllJobSQL = `DELETE FROM queue_classic_jobs WHERE queue_name = $1`
)

// Queue scopes job operations to one queue name.
type Queue struct {
	session  *Session
	name     string
	topBound int
	notify   bool
	log      *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithTopBound sets the default lock_head scan width. Values below 1 are
// rejected by Lock with ErrInvalidTopBound.
func WithTopBound(n int) QueueOption {
	return func(q *Queue) { q.topBound = n }
}

// WithNotify controls whether Enqueue publishes on the queue's channel.
func WithNotify(enabled bool) QueueOption {
	return func(q *Queue) { q.notify = enabled }
}

// WithLogger sets the queue's logger. Defaults to the session's logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// NewQueue returns a notifying queue named name with DefaultTopBound.
func NewQueue(session *Session, name string, opts ...QueueOption) *Queue {
	q := &Queue{
		session:  session,
		name:     name,
		topBound: DefaultTopBound,
		notify:   true,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = session.Logger()
	}
	q.log = q.log.With("queue", name)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Channel returns the notification channel Enqueue publishes on, or "" for
// a non-notifying queue.
func (q *Queue) Channel() string {
	if !q.notify {
		return ""
	}
	return q.name
}

// TopBound returns the default scan width used by Lock.
func (q *Queue) TopBound() int { return q.topBound }

// Session returns the session the queue runs its statements on.
func (q *Queue) Session() *Session { return q.session }

// WithSession returns a copy of q bound to another session. Used to move a
// queue onto a freshly established connection.
func (q *Queue) WithSession(s *Session) *Queue {
	cp := *q
	cp.session = s
	cp.log = s.Logger().With("queue", q.name)
	return &cp
}

// Enqueue inserts a job for handler and returns its id. For a notifying
// queue the channel is published after the insert has been committed.
func (q *Queue) Enqueue(ctx context.Context, handler string, arguments ...any) (int64, error) {
	if arguments == nil {
		arguments = []any{}
	}
	res, err := q.session.Execute(ctx, insertJobSQL, q.name, handler, arguments)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		return 0, &ProtocolViolation{Op: "enqueue job", Detail: fmt.Sprintf("insert returned %d rows", len(res.Rows))}
	}
	id, ok := res.Rows[0][0].(int64)
	if !ok {
		return 0, &ProtocolViolation{Op: "enqueue job", Detail: fmt.Sprintf("id has type %T", res.Rows[0][0])}
	}

	if q.notify {
		if err := q.session.Publish(ctx, q.name); err != nil {
			return id, fmt.Errorf("enqueue job %d: %w", id, err)
		}
	}
	q.log.Debug("enqueued job", "job_id", id, "handler", handler)
	return id, nil
}

type lockOptions struct {
	topBound int
	columns  []string
}

// LockOption adjusts a single Lock call.
type LockOption func(*lockOptions)

// LockTopBound overrides the queue's scan width for one call.
func LockTopBound(n int) LockOption {
	return func(o *lockOptions) { o.topBound = n }
}

// LockColumns restricts the columns returned for the claimed job.
func LockColumns(columns ...string) LockOption {
	return func(o *lockOptions) { o.columns = columns }
}

// Lock claims the oldest claimable job among the first top-bound unlocked
// jobs of the queue, setting its locked_at. Returns (nil, nil) when nothing
// in the window could be claimed. The caller owns the returned job until it
// calls Delete or Unlock.
func (q *Queue) Lock(ctx context.Context, opts ...LockOption) (*Job, error) {
	o := lockOptions{topBound: q.topBound, columns: AllColumns}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topBound < 1 {
		return nil, fmt.Errorf("lock job: %w (got %d)", ErrInvalidTopBound, o.topBound)
	}
	if len(o.columns) == 0 {
		o.columns = AllColumns
	}

	quoted := make([]string, len(o.columns))
	for i, c := range o.columns {
		if !slices.Contains(AllColumns, c) {
			return nil, fmt.Errorf("lock job: %w: %q", ErrUnknownColumn, c)
		}
		quoted[i] = pq.QuoteIdentifier(c)
	}
	sql := "SELECT " + strings.Join(quoted, ", ") + " FROM lock_head($1, $2)"

	res, err := q.session.Execute(ctx, sql, q.name, o.topBound)
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	switch len(res.Rows) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, &ProtocolViolation{Op: "lock job", Detail: fmt.Sprintf("lock_head returned %d rows", len(res.Rows))}
	}
	if !slices.Equal(res.Columns, o.columns) {
		return nil, &ProtocolViolation{
			Op:     "lock job",
			Detail: fmt.Sprintf("lock_head returned columns %v, want %v", res.Columns, o.columns),
		}
	}

	job, err := decodeJob(res.Columns, res.Rows[0])
	if err != nil {
		return nil, &ProtocolViolation{Op: "lock job", Detail: err.Error()}
	}
	q.log.Debug("locked job", "job_id", job.ID)
	return job, nil
}

// Unlock clears locked_at so the job is immediately claimable again. Its
// created_at and id are unchanged, so it keeps its place near the head.
func (q *Queue) Unlock(ctx context.Context, id int64) error {
	if _, err := q.session.Execute(ctx, unlockJobSQL, id); err != nil {
		return fmt.Errorf("unlock job %d: %w", id, err)
	}
	return nil
}

// Delete removes the job. Workers call it only after the handler succeeded.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	if _, err := q.session.Execute(ctx, deleteJobSQL, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// Count returns the number of jobs in the queue, claimed or not.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	res, err := q.session.Execute(ctx, countJobsSQL, q.name)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	if len(res.Rows) != 1 {
		return 0, &ProtocolViolation{Op: "count jobs", Detail: fmt.Sprintf("count returned %d rows", len(res.Rows))}
	}
	n, ok := res.Rows[0][0].(int64)
	if !ok {
		return 0, &ProtocolViolation{Op: "count jobs", Detail: fmt.Sprintf("count has type %T", res.Rows[0][0])}
	}
	return n, nil
}

// DeleteAll removes every job in the queue, claimed or not, and returns how
// many rows were deleted.
func (q *Queue) DeleteAll(ctx context.Context) (int64, error) {
	res, err := q.session.Execute(ctx, deleteAllJobSQL, q.name)
	if err != nil {
		return 0, fmt.Errorf("delete all jobs: %w", err)
	}
	return res.Tag.RowsAffected(), nil
}
