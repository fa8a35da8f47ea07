package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Sample is a point-in-time view of the process's resource usage.
type Sample struct {
	HeapAllocMB  float64
	HeapSysMB    float64
	HeapInUsePct float64
	NumGoroutine int
	NumGC        uint32
	GCPauseTotal time.Duration
	LastGCPause  time.Duration
}

// Collect reads the runtime's memory and scheduler statistics.
func Collect() Sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Sample{
		HeapAllocMB:  float64(m.HeapAlloc) / (1 << 20),
		HeapSysMB:    float64(m.HeapSys) / (1 << 20),
		NumGoroutine: runtime.NumGoroutine(),
		NumGC:        m.NumGC,
		GCPauseTotal: time.Duration(m.PauseTotalNs),
	}
	if m.HeapSys > 0 {
		s.HeapInUsePct = float64(m.HeapInuse) / float64(m.HeapSys) * 100
	}
	if m.NumGC > 0 {
		s.LastGCPause = time.Duration(m.PauseNs[(m.NumGC+255)%256])
	}
	return s
}

// Log writes the sample under the given context label.
func (s Sample) Log(label string) {
	slog.Info("system resources",
		"context", label,
		"heapAllocMB", s.HeapAllocMB,
		"heapSysMB", s.HeapSysMB,
		"heapInUsePct", s.HeapInUsePct,
		"goroutines", s.NumGoroutine,
		"gcRuns", s.NumGC,
	)
}

const (
	// defaultInterval is how often the monitor samples.
	defaultInterval = 30 * time.Second

	heapWarnPct      = 85.0
	goroutineWarnCap = 2000
	// releaseThresholdPct is the heap pressure above which memory is
	// handed back to the OS.
	releaseThresholdPct = 70.0
)

// Monitor periodically samples process resources, warns on high
// watermarks and releases memory back to the OS under pressure.
type Monitor struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. A non-positive interval selects the default.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{interval: interval}
}

// Start launches the sampling loop. Starting a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		slog.Warn("resource monitoring is already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	slog.Info("starting resource monitoring", "interval", m.interval)
	go m.loop(ctx, m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer slog.Info("resource monitoring stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe()
		}
	}
}

func (m *Monitor) observe() {
	s := Collect()
	s.Log("MONITOR")

	if s.HeapInUsePct > heapWarnPct {
		slog.Warn("high heap usage", "heapInUsePct", s.HeapInUsePct)
	}
	if s.NumGoroutine > goroutineWarnCap {
		slog.Warn("high goroutine count", "goroutines", s.NumGoroutine)
	}
	if s.HeapInUsePct > releaseThresholdPct {
		slog.Info("releasing memory to the OS due to heap pressure", "heapInUsePct", s.HeapInUsePct)
		debug.FreeOSMemory()
	}
}

// Stop halts the loop and waits up to five seconds for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("resource monitoring task did not stop gracefully")
	}
}
