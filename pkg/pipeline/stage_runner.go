package pipeline

import (
	"context"
	"errors"
	"time"
)

// stageTimeouts carries the per-stage time limits. History formatting
// is pure local work and runs unbounded.
type stageTimeouts struct {
	setupBrowser  time.Duration
	runAgent      time.Duration
	evaluate      time.Duration
	saveServer    time.Duration
	emergencySave time.Duration
}

func defaultStageTimeouts() stageTimeouts {
	return stageTimeouts{
		setupBrowser:  120 * time.Second,
		runAgent:      1000 * time.Second,
		evaluate:      300 * time.Second,
		saveServer:    60 * time.Second,
		emergencySave: 30 * time.Second,
	}
}

// ErrStageTimeout marks a stage killed by its own deadline rather than
// by run cancellation.
var ErrStageTimeout = errors.New("stage timed out")

// runStage executes fn under an optional deadline. The function runs in
// its own goroutine so a stage that ignores its context still cannot
// block the pipeline past the deadline.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
			var zero T
			return zero, ErrStageTimeout
		}
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrStageTimeout
		}
		return zero, ctx.Err()
	}
}
