package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/webeval/webeval/pkg/monitor"
	"github.com/webeval/webeval/pkg/task"
)

const heartbeatInterval = 60 * time.Second

// Summary aggregates the outcome of a batch run.
type Summary struct {
	Results    []LocalStatus
	Successful int
	Failed     int
}

// SuccessRate is the fraction of tasks that passed, in [0, 1].
func (s *Summary) SuccessRate() float64 {
	if len(s.Results) == 0 {
		return 0
	}
	return float64(s.Successful) / float64(len(s.Results))
}

// Coordinator fans a batch of tasks out over concurrent pipelines,
// capped by an admission gate so at most MaxParallel tasks hold
// resources at once.
type Coordinator struct {
	pipeline    *Pipeline
	maxParallel int
	monitor     *monitor.Monitor

	// OnResult, when set, is called as each task finishes. Calls are
	// serialized.
	OnResult func(LocalStatus)
}

func NewCoordinator(p *Pipeline, maxParallel int) *Coordinator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Coordinator{
		pipeline:    p,
		maxParallel: maxParallel,
		monitor:     monitor.New(0),
	}
}

// RunAll executes every task concurrently under the admission gate and
// returns one status per task, in input order. A task that panics or
// errors never takes its siblings down; it yields a failure status.
func (c *Coordinator) RunAll(ctx context.Context, tasks []*task.Task) *Summary {
	slog.Info("starting batch run", "tasks", len(tasks), "maxParallel", c.maxParallel)
	started := time.Now()

	c.monitor.Start(ctx)
	defer c.monitor.Stop()

	heartbeatStop := make(chan struct{})
	var heartbeatDone sync.WaitGroup
	heartbeatDone.Add(1)
	go func() {
		defer heartbeatDone.Done()
		c.heartbeat(ctx, started, heartbeatStop)
	}()

	gate := semaphore.NewWeighted(int64(c.maxParallel))
	results := make([]LocalStatus, len(tasks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t *task.Task) {
			defer wg.Done()
			status := c.runOne(ctx, t, gate)
			mu.Lock()
			results[i] = status
			if c.OnResult != nil {
				c.OnResult(status)
			}
			mu.Unlock()
		}(i, t)
	}
	wg.Wait()

	close(heartbeatStop)
	heartbeatDone.Wait()

	summary := &Summary{Results: results}
	for _, status := range results {
		if status.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	slog.Info("batch run finished",
		"tasks", len(tasks),
		"successful", summary.Successful,
		"failed", summary.Failed,
		"successRate", fmt.Sprintf("%.1f%%", summary.SuccessRate()*100),
		"elapsed", time.Since(started).Round(time.Second))
	return summary
}

// runOne shields the batch from a single broken pipeline.
func (c *Coordinator) runOne(ctx context.Context, t *task.Task, gate *semaphore.Weighted) (status LocalStatus) {
	taskID := ""
	if t != nil {
		taskID = t.TaskID
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("task pipeline panicked", "taskId", taskID, "panic", rec)
			status = LocalStatus{
				TaskID:          taskID,
				Error:           fmt.Sprintf("panic: %v", rec),
				CompletedStages: []string{},
			}
		}
	}()
	return c.pipeline.RunTask(ctx, t, gate)
}

func (c *Coordinator) heartbeat(ctx context.Context, started time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("batch heartbeat", "elapsed", time.Since(started).Round(time.Second))
			monitor.Collect().Log("HEARTBEAT")
		}
	}
}
