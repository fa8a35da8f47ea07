package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	s := Collect()
	assert.Greater(t, s.HeapAllocMB, 0.0)
	assert.Greater(t, s.HeapSysMB, 0.0)
	assert.Greater(t, s.NumGoroutine, 0)
	assert.GreaterOrEqual(t, s.HeapInUsePct, 0.0)
	assert.LessOrEqual(t, s.HeapInUsePct, 100.0)
}

func TestMonitorStartStop(t *testing.T) {
	m := New(10 * time.Millisecond)
	m.Start(context.Background())

	// double start is a no-op
	m.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	m.Stop()

	// double stop is safe
	m.Stop()
}

func TestMonitorStopWithoutStart(t *testing.T) {
	New(0).Stop()
}

func TestShutdownTriggerCancelsContext(t *testing.T) {
	s := NewShutdown(context.Background(), 0)
	s.exit = func(code int) {}

	require.NoError(t, s.Context().Err())
	s.Trigger("signal")

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after trigger")
	}
}

func TestShutdownSecondTriggerExits(t *testing.T) {
	s := NewShutdown(context.Background(), 0)

	exited := make(chan int, 1)
	s.exit = func(code int) { exited <- code }

	s.Trigger("signal")
	s.Trigger("signal")

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("second trigger did not exit")
	}
}

func TestShutdownWatchdogForceExits(t *testing.T) {
	s := NewShutdown(context.Background(), 10*time.Millisecond)

	exited := make(chan int, 1)
	s.exit = func(code int) { exited <- code }

	s.Trigger("signal")

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire after the grace period")
	}
}

func TestShutdownFinish(t *testing.T) {
	s := NewShutdown(context.Background(), 0)
	s.Finish()

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not released on finish")
	}
}
