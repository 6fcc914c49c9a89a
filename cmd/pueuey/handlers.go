package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cecton/pueuey/internal/worker"
)

// builtinHandlers are the handlers the stock binary can run. Applications
// embedding the worker package register their own.
func builtinHandlers() *worker.Registry {
	reg := worker.NewRegistry()
	reg.Register("log", logJob)
	reg.Register("sleep", worker.Func1(sleepJob))
	reg.Register("fail", worker.Func1(failJob))
	return reg
}

// logJob writes its arguments to the log.
func logJob(ctx context.Context, args []any) error {
	slog.InfoContext(ctx, "log job", "args", args)
	return nil
}

// sleepJob blocks for the given number of seconds.
func sleepJob(ctx context.Context, seconds float64) error {
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failJob always fails with message; useful to exercise failure handling.
func failJob(_ context.Context, message string) error {
	return errors.New(message)
}
