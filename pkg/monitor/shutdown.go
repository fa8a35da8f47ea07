package monitor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultShutdownGrace is how long cleanup gets after a shutdown
// trigger before the watchdog terminates the process.
const defaultShutdownGrace = 10 * time.Second

// Shutdown coordinates graceful termination: the first trigger cancels
// the run context and arms a watchdog; a second trigger exits
// immediately.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration

	mu        sync.Mutex
	triggered bool
	// exit is swapped out in tests.
	exit func(code int)
}

// NewShutdown derives a cancellable run context from parent. grace is
// the maximum cleanup time after a trigger; non-positive selects the
// default.
func NewShutdown(parent context.Context, grace time.Duration) *Shutdown {
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	ctx, cancel := context.WithCancel(parent)
	return &Shutdown{ctx: ctx, cancel: cancel, grace: grace, exit: os.Exit}
}

// Context returns the run context cancelled on the first trigger.
func (s *Shutdown) Context() context.Context {
	return s.ctx
}

// Trigger initiates graceful shutdown. The second call terminates the
// process immediately.
func (s *Shutdown) Trigger(reason string) {
	s.mu.Lock()
	second := s.triggered
	s.triggered = true
	s.mu.Unlock()

	if second {
		slog.Error("force exit: second shutdown trigger received", "reason", reason)
		s.exit(1)
		return
	}

	slog.Warn("graceful shutdown initiated", "reason", reason)
	Collect().Log("SHUTDOWN")
	s.cancel()

	go func() {
		time.Sleep(s.grace)
		slog.Error("force exit: graceful shutdown timeout")
		s.exit(1)
	}()
}

// Finish releases the run context without arming the watchdog. Called
// on normal completion.
func (s *Shutdown) Finish() {
	s.cancel()
}
