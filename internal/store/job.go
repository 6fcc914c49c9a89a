package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Job columns, in table order.
const (
	ColumnID        = "id"
	ColumnQueueName = "queue_name"
	ColumnHandler   = "handler"
	ColumnArguments = "arguments"
	ColumnCreatedAt = "created_at"
	ColumnLockedAt  = "locked_at"
)

// AllColumns is the column list Lock requests by default.
var AllColumns = []string{
	ColumnID, ColumnQueueName, ColumnHandler, ColumnArguments, ColumnCreatedAt, ColumnLockedAt,
}

// Job is one row of queue_classic_jobs. Fields not requested through
// LockColumns are left at their zero value.
type Job struct {
	ID        int64
	QueueName string
	Handler   string
	Arguments []any
	CreatedAt time.Time
	LockedAt  *time.Time
}

// UnmarshalJSON decodes one JSON value into v with numbers kept as
// json.Number, so integers wider than 53 bits come back exactly. Trailing
// data after the value is an error.
func UnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

// decodeJob builds a Job from one lock_head row. Any value whose Go type does
// not match the column's expected type is a protocol violation.
func decodeJob(columns []string, values []any) (*Job, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("%d columns but %d values", len(columns), len(values))
	}
	job := &Job{}
	for i, col := range columns {
		v := values[i]
		switch col {
		case ColumnID:
			id, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("column %s: got %T, want int64", col, v)
			}
			job.ID = id
		case ColumnQueueName, ColumnHandler:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s: got %T, want string", col, v)
			}
			if col == ColumnQueueName {
				job.QueueName = str
			} else {
				job.Handler = str
			}
		case ColumnArguments:
			switch args := v.(type) {
			case nil:
				job.Arguments = []any{}
			case []any:
				job.Arguments = args
			default:
				return nil, fmt.Errorf("column %s: got %T, want a JSON array", col, v)
			}
		case ColumnCreatedAt:
			ts, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("column %s: got %T, want timestamp", col, v)
			}
			job.CreatedAt = ts
		case ColumnLockedAt:
			switch ts := v.(type) {
			case nil:
			case time.Time:
				job.LockedAt = &ts
			default:
				return nil, fmt.Errorf("column %s: got %T, want timestamp", col, v)
			}
		default:
			return nil, fmt.Errorf("unexpected column %q", col)
		}
	}
	return job, nil
}
