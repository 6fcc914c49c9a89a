package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrSessionClosed is returned by every Session operation after
	// Disconnect, including a second Disconnect.
	ErrSessionClosed = errors.New("store: session closed")

	// ErrUnknownColumn is returned by Queue.Lock when LockColumns names a
	// column that is not part of the job table.
	ErrUnknownColumn = errors.New("store: unknown job column")

	// ErrInvalidTopBound is returned when a top bound below 1 is requested.
	ErrInvalidTopBound = errors.New("store: top bound must be at least 1")
)

// ConnectionError reports a failure to establish or keep the connection to
// the store. It is fatal for the session and never retried by this package.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a statement the store rejected: malformed SQL, a
// constraint violation, or an exception raised inside lock_head.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Code returns the SQLSTATE reported by the server, or "" when the error
// did not originate from the server.
func (e *QueryError) Code() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// ProtocolViolation reports a lock_head result whose shape does not match
// what the client asked for. It almost always means the schema in the
// database and this binary disagree; treat it as fatal.
type ProtocolViolation struct {
	Op     string
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s: protocol violation: %s", e.Op, e.Detail)
}
