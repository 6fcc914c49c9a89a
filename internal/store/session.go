// ABOUTME: Session is one autocommit connection to the shared store: statements, LISTEN/NOTIFY,
// ABOUTME: and a bounded wait for notifications. Not safe for concurrent use, like *pgx.Conn.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"
)

// DefaultAppName is the application_name reported to Postgres when
// SessionConfig.AppName is empty.
const DefaultAppName = "queue_classic"

// SessionConfig describes how to reach the store.
type SessionConfig struct {
	// URL is a postgres:// URL or key=value connection string.
	URL string
	// AppName tags the connection in pg_stat_activity.
	AppName string
	// Logger receives debug-level statement logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Notification is a message received on a LISTEN channel.
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Result holds every row returned by one statement, decoded with pgx's
// type mapping (timestamptz → time.Time, bigint → int64) except that JSON
// numbers decode to json.Number rather than float64.
type Result struct {
	Columns []string
	Rows    [][]any
	Tag     pgconn.CommandTag
}

// Session wraps one physical connection. pgx runs each statement outside an
// explicit transaction, so its effects are visible to other sessions as soon
// as it returns; claims and notifications are never deferred.
type Session struct {
	conn   *pgx.Conn
	log    *slog.Logger
	closed bool
}

// Connect opens a new session. Any failure is a *ConnectionError.
func Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, &ConnectionError{Op: "parse config", Err: err}
	}
	appName := cfg.AppName
	if appName == "" {
		appName = DefaultAppName
	}
	connCfg.RuntimeParams["application_name"] = appName

	// A timed-out wait must leave the connection idle and reusable. The
	// default watcher sends a CancelRequest that can land on the UNLISTEN
	// that follows; a read deadline interrupts only the local read.
	connCfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}

	logger.Debug("establish_conn", "host", connCfg.Host, "database", connCfg.Database, "app_name", appName)
	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		logger.Error("establish_conn failed", "error", err)
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx) //nolint:errcheck
		return nil, &ConnectionError{Op: "ping", Err: err}
	}
	return NewSession(conn, logger), nil
}

// NewSession wraps an already established connection. The session takes
// ownership of conn and closes it on Disconnect.
func NewSession(conn *pgx.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	registerJSONCodecs(conn.TypeMap())
	return &Session{
		conn: conn,
		log:  logger.With("backend_pid", conn.PgConn().PID()),
	}
}

// registerJSONCodecs replaces pgx's json and jsonb codecs with ones that
// decode numbers as json.Number.
func registerJSONCodecs(m *pgtype.Map) {
	m.RegisterType(&pgtype.Type{
		Name:  "json",
		OID:   pgtype.JSONOID,
		Codec: &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: UnmarshalJSON},
	})
	m.RegisterType(&pgtype.Type{
		Name:  "jsonb",
		OID:   pgtype.JSONBOID,
		Codec: &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: UnmarshalJSON},
	})
}

// Logger returns the logger the session was built with.
func (s *Session) Logger() *slog.Logger { return s.log }

// Execute runs one statement and collects all of its rows.
func (s *Session) Execute(ctx context.Context, sql string, args ...any) (*Result, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.log.Debug("exec_sql", "sql", sql)

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.classify("execute", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fds))}
	for i, fd := range fds {
		res.Columns[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, s.classify("execute: decode row", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("execute", err)
	}
	res.Tag = rows.CommandTag()
	return res, nil
}

// Subscribe registers interest in each channel. It returns immediately. If
// one LISTEN fails, the channels already registered are unlistened again.
func (s *Session) Subscribe(ctx context.Context, channels ...string) error {
	n, err := s.listenCmd(ctx, "LISTEN", channels)
	if err != nil && n > 0 {
		if _, uerr := s.listenCmd(context.WithoutCancel(ctx), "UNLISTEN", channels[:n]); uerr != nil {
			s.log.Warn("unlisten after failed subscribe", "error", uerr)
		}
	}
	return err
}

// Unsubscribe drops interest in each channel.
func (s *Session) Unsubscribe(ctx context.Context, channels ...string) error {
	_, err := s.listenCmd(ctx, "UNLISTEN", channels)
	return err
}

// listenCmd runs verb for each channel in turn and reports how many
// succeeded before the first error.
func (s *Session) listenCmd(ctx context.Context, verb string, channels []string) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	for i, ch := range channels {
		if _, err := s.conn.Exec(ctx, verb+" "+pq.QuoteIdentifier(ch)); err != nil {
			return i, s.classify(fmt.Sprintf("%s %s", verb, ch), err)
		}
	}
	return len(channels), nil
}

// Publish sends an empty notification on channel. Delivery is best effort:
// nobody acknowledges it and it is lost if no session is listening.
func (s *Session) Publish(ctx context.Context, channel string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if _, err := s.conn.Exec(ctx, "SELECT pg_notify($1, '')", channel); err != nil {
		return s.classify("publish "+channel, err)
	}
	return nil
}

// WaitForNotification listens on channels and blocks until a notification
// arrives on one of them, timeout elapses, or ctx is done. It always
// unlistens before returning and discards any further notifications already
// buffered, so at most one is returned.
//
// A timeout yields (nil, nil). A returned notification is only a hint that
// something changed: callers must still attempt the real claim.
func (s *Session) WaitForNotification(ctx context.Context, timeout time.Duration, channels ...string) (*Notification, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := s.Subscribe(ctx, channels...); err != nil {
		return nil, err
	}

	got, waitErr := s.waitFor(ctx, timeout, channels)

	// Unlisten even when the caller gave up; the connection outlives ctx.
	if err := s.Unsubscribe(context.WithoutCancel(ctx), channels...); err != nil {
		return nil, err
	}
	if n := s.drain(); n > 0 {
		s.log.Debug("drain_notifications", "discarded", n)
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if pgconn.Timeout(waitErr) {
			return nil, nil
		}
		return nil, s.classify("wait for notification", waitErr)
	}
	return got, nil
}

func (s *Session) waitFor(ctx context.Context, timeout time.Duration, channels []string) (*Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		n, err := s.conn.WaitForNotification(waitCtx)
		if err != nil {
			return nil, err
		}
		// Interest registered elsewhere on this connection is not ours.
		if n != nil && slices.Contains(channels, n.Channel) {
			return &Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
		}
	}
}

// drain discards notifications pgx has already buffered. A done context
// makes pgx return buffered notifications without touching the socket.
func (s *Session) drain() int {
	done, cancel := context.WithCancel(context.Background())
	cancel()
	discarded := 0
	for {
		n, err := s.conn.WaitForNotification(done)
		if err != nil || n == nil {
			return discarded
		}
		discarded++
	}
}

// Disconnect closes the connection. Calling it again returns ErrSessionClosed.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.closed {
		s.log.Error("disconnect", "error", ErrSessionClosed)
		return ErrSessionClosed
	}
	s.closed = true
	if err := s.conn.Close(ctx); err != nil {
		s.log.Error("disconnect", "error", err)
		return &ConnectionError{Op: "disconnect", Err: err}
	}
	return nil
}

// Config returns a copy of the connection configuration, so a second
// session can be opened against the same target.
func (s *Session) Config() *pgx.ConnConfig {
	return s.conn.Config().Copy()
}

// Closed reports whether Disconnect has been called.
func (s *Session) Closed() bool { return s.closed }

// classify maps a pgx error to the package's error taxonomy. Context errors
// pass through untouched so callers can tell cancellation from failure.
func (s *Session) classify(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		s.log.Debug("query error", "op", op, "sqlstate", pgErr.Code, "error", err)
		return &QueryError{Op: op, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if s.conn.IsClosed() || errors.As(err, &netErr) {
		s.log.Error("connection error", "op", op, "error", err)
		return &ConnectionError{Op: op, Err: err}
	}
	return &QueryError{Op: op, Err: err}
}
