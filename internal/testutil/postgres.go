// ABOUTME: Test helper that starts a Postgres testcontainer with the job table and lock_head applied.
// ABOUTME: Use NewTestDB(t) in integration tests; open one Session per simulated worker.
package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cecton/pueuey/internal/store"
	"github.com/cecton/pueuey/migrations"
)

// TestDB is a migrated, throwaway database.
type TestDB struct {
	// ConnString reaches the container from the host running the tests.
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB for it. The container is terminated via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("pueuey_test"),
		tcpostgres.WithUsername("pueuey_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := migrations.Open(connStr)
	if err != nil {
		t.Fatalf("open migration db: %v", err)
	}
	defer db.Close() //nolint:errcheck

	if _, err := migrations.Up(db); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	return &TestDB{ConnString: connStr}
}

// Session opens a new Session, closed via t.Cleanup unless the test
// disconnects it first.
func (d *TestDB) Session(t *testing.T) *store.Session {
	t.Helper()
	s, err := store.Connect(context.Background(), store.SessionConfig{
		URL:     d.ConnString,
		AppName: "pueuey_test",
	})
	if err != nil {
		t.Fatalf("connect session: %v", err)
	}
	t.Cleanup(func() {
		if !s.Closed() {
			_ = s.Disconnect(context.Background()) //nolint:errcheck
		}
	})
	return s
}

// Queue opens a dedicated session and returns a queue bound to it.
func (d *TestDB) Queue(t *testing.T, name string, opts ...store.QueueOption) *store.Queue {
	t.Helper()
	return store.NewQueue(d.Session(t), name, opts...)
}

// Conn opens a raw pgx connection for tests that need explicit transactions
// or direct inspection of queue_classic_jobs.
func (d *TestDB) Conn(t *testing.T) *pgx.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, d.ConnString)
	if err != nil {
		t.Fatalf("pgx connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) }) //nolint:errcheck
	return conn
}
