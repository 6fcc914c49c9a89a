// ABOUTME: Process isolation: ForkAndWork hands one Work cycle to a child process and waits for it.
// ABOUTME: The child never shares the parent's connection; RunChild opens its own via SetupChild.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/cecton/pueuey/internal/store"
)

// ParentIDEnv carries the parent worker's id into a spawned child so the two
// can be correlated in logs.
const ParentIDEnv = "PUEUEY_PARENT_WORKER_ID"

var (
	// ErrNoSpawner means ForkAndWork was called on a worker without a Spawner.
	ErrNoSpawner = errors.New("worker: no spawner configured")

	// ErrNoConnector means the default child setup had no way to connect.
	ErrNoConnector = errors.New("worker: no connector configured")
)

// Connector opens a new session for a child worker.
type Connector func(ctx context.Context) (*store.Session, error)

// Spawner starts a child process that performs exactly one Work cycle, and
// blocks until it exits. env is added to the child's environment.
type Spawner interface {
	Spawn(ctx context.Context, env []string) error
}

// ExecSpawner runs a program, by default the current executable, as the
// child. Cancelling ctx sends the child an interrupt so it can release its
// claim, then kills it after GracePeriod.
type ExecSpawner struct {
	// Path is the program to run. Empty means os.Executable().
	Path string
	// Args are passed to the program, e.g. {"work-one"}.
	Args []string
	// Env is the base environment. Nil means the parent's environment.
	Env []string
	// Stdout and Stderr default to the parent's.
	Stdout, Stderr io.Writer
	// GracePeriod defaults to 30s.
	GracePeriod time.Duration
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, env []string) error {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 30 * time.Second
	}
	base := s.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string{}, base...), env...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return cmd.Run()
}

// ForkAndWork runs one Work cycle in a child process and waits for it to
// exit. The child's exit status is logged, not returned: a crashed child
// leaves its job claimed and the parent carries on. Only a failure to start
// the child is an error.
func (w *Worker) ForkAndWork(ctx context.Context) error {
	if w.spawner == nil {
		return ErrNoSpawner
	}
	start := time.Now()
	err := w.spawner.Spawn(ctx, []string{ParentIDEnv + "=" + w.id})

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		w.log.Debug("child worker exited", "elapsed", time.Since(start))
	case errors.As(err, &exitErr):
		w.log.Warn("child worker failed", "exit_code", exitErr.ExitCode(), "elapsed", time.Since(start))
	case ctx.Err() != nil:
		w.log.Info("child worker interrupted", "error", err)
	default:
		return fmt.Errorf("spawn child worker: %w", err)
	}
	return nil
}

// RunChild is the body of a spawned child: it runs the SetupChild hook,
// performs one Work cycle and disconnects the session the hook opened.
func (w *Worker) RunChild(ctx context.Context) error {
	if parent := os.Getenv(ParentIDEnv); parent != "" {
		w.log = w.log.With("parent_worker_id", parent)
	}
	if err := w.setupChild(ctx, w); err != nil {
		return fmt.Errorf("setup child: %w", err)
	}
	if w.session == nil {
		return fmt.Errorf("setup child: %w", store.ErrSessionClosed)
	}
	defer func() {
		if err := w.session.Disconnect(context.WithoutCancel(ctx)); err != nil {
			w.log.Warn("disconnect child session", "error", err)
		}
	}()
	return w.Work(ctx)
}

// reconnect is the default SetupChildFunc.
func reconnect(ctx context.Context, w *Worker) error {
	if w.connect == nil {
		return ErrNoConnector
	}
	s, err := w.connect(ctx)
	if err != nil {
		return err
	}
	w.Rebind(s)
	return nil
}
