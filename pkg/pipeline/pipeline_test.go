package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/ptr"

	"github.com/webeval/webeval/pkg/agent"
	"github.com/webeval/webeval/pkg/browser"
	"github.com/webeval/webeval/pkg/judge"
	"github.com/webeval/webeval/pkg/task"
	"github.com/webeval/webeval/pkg/tracker"
)

type fakeSession struct {
	mu      sync.Mutex
	killed  bool
	cookies []browser.Cookie
}

func (s *fakeSession) Start(ctx context.Context) error { return nil }

func (s *fakeSession) GetCookies(ctx context.Context) ([]browser.Cookie, error) {
	return s.cookies, nil
}

func (s *fakeSession) CDPURL() string { return "ws://127.0.0.1:9222/devtools" }

func (s *fakeSession) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return nil
}

func (s *fakeSession) wasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

type fakeLauncher struct {
	session *fakeSession
	err     error
}

func (l *fakeLauncher) Launch(ctx context.Context, t *task.Task, taskDir string, cfg browser.Config) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type fakeRunner struct {
	history *agent.History
	err     error
	last    string
	delay   time.Duration
	onRun   func()
}

func (r *fakeRunner) Run(ctx context.Context, maxSteps int) (*agent.History, error) {
	if r.onRun != nil {
		r.onRun()
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.history, r.err
}

func (r *fakeRunner) LastMessage() string { return r.last }

type fakeBuilder struct {
	mu     sync.Mutex
	inputs []agent.BuildInput
	runner *fakeRunner
	err    error
}

func (b *fakeBuilder) Build(ctx context.Context, input agent.BuildInput) (agent.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, input)
	if b.err != nil {
		return nil, b.err
	}
	return b.runner, nil
}

func (b *fakeBuilder) lastInput(t *testing.T) agent.BuildInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.inputs)
	return b.inputs[len(b.inputs)-1]
}

type passingComprehensive struct{}

func (passingComprehensive) Evaluate(ctx context.Context, taskDir string, maxImages int) (*judge.ComprehensiveResult, error) {
	return &judge.ComprehensiveResult{Passed: true, FinalScore: 90, Reasoning: "task completed"}, nil
}

func doneHistory() *agent.History {
	return &agent.History{
		Steps: []agent.Step{
			{
				URL:   "https://example.com",
				Title: "Example",
				Results: []agent.ActionResult{
					{ExtractedContent: "navigated to example.com"},
				},
				Metadata: &agent.StepMetadata{StepStartTime: 1000, StepEndTime: 1004, StepNumber: 1, InputTokens: 120},
			},
			{
				URL: "https://example.com/done",
				Results: []agent.ActionResult{
					{ExtractedContent: "all done", IsDone: true, Success: ptr.To(true)},
				},
				Metadata: &agent.StepMetadata{StepStartTime: 1004, StepEndTime: 1010, StepNumber: 2, InputTokens: 80},
			},
		},
	}
}

func newTestPipeline(t *testing.T, deps Deps) *Pipeline {
	cfg := Config{
		RunID:    "run-1",
		BaseDir:  t.TempDir(),
		MaxSteps: 25,
	}
	if deps.Judge == nil {
		deps.Judge = judge.New(nil, passingComprehensive{}, false)
	}
	return New(cfg, deps)
}

func mustTask(t *testing.T, id string) *task.Task {
	tk, err := task.New(id, "buy a plant")
	require.NoError(t, err)
	return tk
}

func TestRunStage(t *testing.T) {
	t.Run("passes the value through", func(t *testing.T) {
		v, err := runStage(context.Background(), time.Second, func(ctx context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("keeps partial value on error", func(t *testing.T) {
		v, err := runStage(context.Background(), time.Second, func(ctx context.Context) (int, error) {
			return 7, errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 7, v)
	})

	t.Run("deadline maps to ErrStageTimeout", func(t *testing.T) {
		_, err := runStage(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, ErrStageTimeout)
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := runStage(ctx, time.Second, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrStageTimeout)
	})
}

func TestRunTaskHappyPath(t *testing.T) {
	session := &fakeSession{}
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory(), last: "all done"}}
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: session},
		Builder:  builder,
	})

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))

	assert.True(t, status.Success)
	assert.Empty(t, status.Error)
	assert.ElementsMatch(t, []string{
		"setup_browser", "run_agent", "format_history", "evaluate", "save_server",
	}, status.CompletedStages)
	assert.True(t, session.wasKilled())

	input := builder.lastInput(t)
	assert.Equal(t, "task-1", input.Task.TaskID)
	assert.Nil(t, input.OnStep)
}

func TestRunTaskBrowserFailure(t *testing.T) {
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{err: errors.New("chromium did not start")},
		Builder:  &fakeBuilder{},
	})

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))

	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "chromium did not start")
	// the save stage still runs even when nothing else could
	assert.Equal(t, []string{"save_server"}, status.CompletedStages)
}

func TestRunTaskAgentFailureKeepsPartialHistory(t *testing.T) {
	session := &fakeSession{}
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory(), err: errors.New("agent crashed")}}
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: session},
		Builder:  builder,
	})

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))

	// run_agent failed but the partial trajectory is still formatted
	// and evaluated
	assert.NotContains(t, status.CompletedStages, "run_agent")
	assert.Contains(t, status.CompletedStages, "format_history")
	assert.Contains(t, status.CompletedStages, "evaluate")
	assert.False(t, status.Success, "an exception-type stage error fails the task")
	assert.True(t, session.wasKilled())
}

func TestRunTaskAuthInjection(t *testing.T) {
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory()}}
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  builder,
		Auth: &task.AuthDistribution{
			ID: "dist-1",
			LoginInfo: map[string]map[string]string{
				"shop": {"username": "agent", "password": "hunter2"},
			},
		},
	})

	tk := mustTask(t, "task-1")
	tk.AuthKeys = []string{"shop"}
	p.RunTask(context.Background(), tk, semaphore.NewWeighted(1))

	input := builder.lastInput(t)
	assert.Contains(t, input.Task.ConfirmedTask, "hunter2")
	// the original task is never mutated
	assert.Equal(t, "buy a plant", tk.ConfirmedTask)
}

func TestRunTaskLoginCookieStepChecks(t *testing.T) {
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory()}}
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  builder,
	})

	tk := mustTask(t, "task-1")
	tk.LoginCookie = "session_token"
	p.RunTask(context.Background(), tk, semaphore.NewWeighted(1))

	input := builder.lastInput(t)
	assert.NotNil(t, input.OnStep, "login tasks get a per-step cookie check")
}

func TestRunTaskLoginCookieEndState(t *testing.T) {
	baseDir := t.TempDir()
	session := &fakeSession{cookies: []browser.Cookie{{Name: "sso_session_token", Value: "v"}}}
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory()}}
	p := New(Config{RunID: "run-1", BaseDir: baseDir, MaxSteps: 25}, Deps{
		Launcher: &fakeLauncher{session: session},
		Builder:  builder,
		Judge:    judge.New(nil, passingComprehensive{}, false),
	})

	tk := mustTask(t, "task-1")
	tk.LoginCookie = "session_token"
	p.RunTask(context.Background(), tk, semaphore.NewWeighted(1))

	// without live step callbacks the hit comes from the end-of-run
	// cookies, with no step number attached
	data, err := os.ReadFile(filepath.Join(baseDir, "task-1", "login_cookie_tracking.json"))
	require.NoError(t, err)
	var record judge.TrackingRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.True(t, record.Found)
	assert.Zero(t, record.Step)
	assert.Equal(t, "end_state", record.Source)
	assert.Equal(t, "sso_session_token", record.CookieName)
}

func TestRunTaskAgentTimeout(t *testing.T) {
	var mu sync.Mutex
	saveAttempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/saveTaskResult" {
			mu.Lock()
			saveAttempts++
			mu.Unlock()
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client, err := tracker.NewClient(server.URL, "secret")
	require.NoError(t, err)

	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  &fakeBuilder{runner: &fakeRunner{history: doneHistory(), delay: 500 * time.Millisecond}},
		Tracker:  client,
	})
	p.timeouts.runAgent = 20 * time.Millisecond

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))

	assert.False(t, status.Success)
	assert.NotContains(t, status.CompletedStages, "run_agent")
	assert.NotContains(t, status.CompletedStages, "save_server")
	// the failed save does not displace the original timeout error
	assert.Equal(t, "stage timed out", status.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, saveAttempts, "the save is attempted exactly once")
}

func TestRunTaskServerSave(t *testing.T) {
	var mu sync.Mutex
	var payloads []map[string]any
	var stages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/api/saveTaskResult":
			payloads = append(payloads, body)
		case "/api/saveRunnerProgress":
			stage, _ := body["currentStage"].(string)
			stages = append(stages, stage)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client, err := tracker.NewClient(server.URL, "secret")
	require.NoError(t, err)

	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  &fakeBuilder{runner: &fakeRunner{history: doneHistory()}},
		Tracker:  client,
	})

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))
	require.True(t, status.Success)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "task-1", payloads[0]["taskId"])
	assert.Equal(t, "run-1", payloads[0]["runId"])
	// the final update reports the furthest completed stage
	assert.Equal(t, []string{"starting", "setup_browser", "browser_ready", "run_agent", "agent_completed", "save_server"}, stages)
}

func TestRunTaskServerSaveFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := tracker.NewClient(server.URL, "secret")
	require.NoError(t, err)

	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  &fakeBuilder{runner: &fakeRunner{history: doneHistory()}},
		Tracker:  client,
	})

	status := p.RunTask(context.Background(), mustTask(t, "task-1"), semaphore.NewWeighted(1))

	assert.NotContains(t, status.CompletedStages, "save_server")
	// a failed save is recorded but does not flip an evaluated run to
	// failed
	assert.True(t, status.Success)
}

func TestCoordinatorRunAll(t *testing.T) {
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory(), delay: 20 * time.Millisecond}}
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  builder,
	})

	tasks := make([]*task.Task, 4)
	for i := range tasks {
		tasks[i] = mustTask(t, fmt.Sprintf("task-%d", i))
	}

	var mu sync.Mutex
	var seen []string
	c := NewCoordinator(p, 2)
	c.OnResult = func(status LocalStatus) {
		mu.Lock()
		seen = append(seen, status.TaskID)
		mu.Unlock()
	}

	summary := c.RunAll(context.Background(), tasks)

	require.Len(t, summary.Results, 4)
	assert.Equal(t, 4, summary.Successful)
	assert.Equal(t, 0, summary.Failed)
	assert.InDelta(t, 1.0, summary.SuccessRate(), 0.001)
	assert.Len(t, seen, 4)
	for i, status := range summary.Results {
		assert.Equal(t, fmt.Sprintf("task-%d", i), status.TaskID, "results keep input order")
	}
}

func TestCoordinatorGateLimitsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	builder := &fakeBuilder{runner: &fakeRunner{history: doneHistory(), delay: 30 * time.Millisecond}}
	builder.runner.onRun = func() {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  builder,
	})

	tasks := make([]*task.Task, 6)
	for i := range tasks {
		tasks[i] = mustTask(t, fmt.Sprintf("task-%d", i))
	}

	NewCoordinator(p, 2).RunAll(context.Background(), tasks)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestCoordinatorSurvivesPanic(t *testing.T) {
	p := newTestPipeline(t, Deps{
		Launcher: &fakeLauncher{session: &fakeSession{}},
		Builder:  &fakeBuilder{runner: &fakeRunner{history: doneHistory()}},
	})
	c := NewCoordinator(p, 2)

	// a nil task panics inside the pipeline; the batch must survive
	tasks := []*task.Task{mustTask(t, "task-0"), nil, mustTask(t, "task-2")}
	summary := c.RunAll(context.Background(), tasks)

	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[0].Success)
	assert.False(t, summary.Results[1].Success)
	assert.True(t, summary.Results[2].Success)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
}
