package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/webeval/webeval/pkg/agent"
	"github.com/webeval/webeval/pkg/browser"
	"github.com/webeval/webeval/pkg/history"
	"github.com/webeval/webeval/pkg/judge"
	"github.com/webeval/webeval/pkg/task"
	"github.com/webeval/webeval/pkg/tracker"
)

// Config carries the per-run settings shared by every task pipeline.
type Config struct {
	RunID   string
	BaseDir string

	MaxSteps          int
	MaxActionsPerStep int
	UseVision         bool
	UseThinking       bool
	IncludeResult     bool

	Browser browser.Config

	GithubWorkflowURL string
	AssignedTaskRange string
}

// Deps are the collaborators a Pipeline drives. Tracker and Auth may be
// nil: without a tracker the server-save stage is skipped, without an
// auth distribution no credentials are injected.
type Deps struct {
	Launcher browser.Launcher
	Builder  agent.Builder
	Judge    *judge.Judge
	Tracker  *tracker.Client
	Auth     *task.AuthDistribution
	// Registry, when set, builds the per-task action registry.
	Registry func(t *task.Task) *agent.Registry
}

// Pipeline runs one task through browser setup, agent execution,
// history formatting, evaluation and server save. Stages are isolated:
// a failed stage is recorded and the pipeline moves on to whichever
// later stages can still run, with the server save always attempted.
type Pipeline struct {
	cfg      Config
	deps     Deps
	runnerID string
	timeouts stageTimeouts
}

func New(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		runnerID: tracker.RunnerID(time.Now()),
		timeouts: defaultStageTimeouts(),
	}
}

type agentOutcome struct {
	history     *agent.History
	lastMessage string
}

// RunTask drives t through the full pipeline, holding a slot on gate
// for the whole run. It always returns a status, degrading to a
// minimal failure record when the pipeline itself breaks.
func (p *Pipeline) RunTask(ctx context.Context, t *task.Task, gate *semaphore.Weighted) (status LocalStatus) {
	waitStart := time.Now()
	slog.Info("task waiting for pipeline slot", "taskId", t.TaskID)
	if err := gate.Acquire(ctx, 1); err != nil {
		slog.Warn("task cancelled before acquiring pipeline slot", "taskId", t.TaskID)
		return LocalStatus{TaskID: t.TaskID, Error: "cancelled before start", CompletedStages: []string{}}
	}
	holdStart := time.Now()
	slog.Info("task acquired pipeline slot", "taskId", t.TaskID, "waitTime", holdStart.Sub(waitStart).Round(time.Millisecond))
	defer func() {
		gate.Release(1)
		slog.Info("task released pipeline slot", "taskId", t.TaskID, "holdTime", time.Since(holdStart).Round(time.Millisecond))
	}()

	result := NewTaskResult(t.TaskID, p.cfg.RunID, t.ConfirmedTask, p.cfg.MaxSteps)
	result.GithubWorkflowURL = p.cfg.GithubWorkflowURL

	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic in task pipeline: %v", rec)
			slog.Error("critical error running task", "taskId", t.TaskID, "stage", CurrentStage(result.Completed), "error", msg)
			result.MarkCriticalError(msg)
			p.saveServer(ctx, result)
			p.sendProgress(ctx, t.TaskID, string(CurrentStage(result.Completed)), "failed", msg)
			status = result.Status()
		}
	}()

	taskDir := filepath.Join(p.cfg.BaseDir, t.TaskID)
	cookies := judge.NewCookieTracker()

	p.sendProgress(ctx, t.TaskID, "starting", "active", "")

	// Browser setup.
	p.sendProgress(ctx, t.TaskID, "setup_browser", "active", "")
	session, err := runStage(ctx, p.timeouts.setupBrowser, func(ctx context.Context) (browser.Session, error) {
		return p.deps.Launcher.Launch(ctx, t, taskDir, p.cfg.Browser)
	})
	if err != nil {
		p.recordStageError(result, StageSetupBrowser, err)
		p.sendProgress(ctx, t.TaskID, "setup_browser", "failed", err.Error())
	} else {
		result.StageCompleted(StageSetupBrowser)
		p.sendProgress(ctx, t.TaskID, "browser_ready", "active", "")
	}
	defer browser.CleanupSafe(ctx, session)

	// Agent run, only with a live browser.
	var outcome agentOutcome
	var agentSeconds *float64
	if result.Completed[StageSetupBrowser] && !result.Cancelled {
		p.sendProgress(ctx, t.TaskID, "run_agent", "active", "")
		agentStart := time.Now()
		outcome, err = runStage(ctx, p.timeouts.runAgent, func(ctx context.Context) (agentOutcome, error) {
			return p.runAgent(ctx, t, session, cookies)
		})
		if err != nil {
			p.recordStageError(result, StageRunAgent, err)
			p.sendProgress(ctx, t.TaskID, "run_agent", "failed", err.Error())
		} else {
			elapsed := time.Since(agentStart).Seconds()
			agentSeconds = &elapsed
			result.StageCompleted(StageRunAgent)
			p.sendProgress(ctx, t.TaskID, "agent_completed", "active", "")
			slog.Info("agent run completed", "taskId", t.TaskID, "duration", time.Since(agentStart).Round(time.Second))
		}

		if t.IsLoginTask() {
			// Runners without live step callbacks leave no record; the
			// end-of-run cookies are the remaining evidence.
			cookies.CheckEndState(ctx, session, t.TaskID, t.LoginCookie)
			if err := cookies.Save(taskDir, t.TaskID); err != nil {
				slog.Warn("failed to save cookie tracking data", "taskId", t.TaskID, "error", err)
			}
		} else {
			cookies.Forget(t.TaskID)
		}
	}

	// History formatting, only when the agent produced steps. Pure
	// local work, so no deadline.
	if outcome.history != nil && !result.Cancelled {
		formatted, err := runStage(ctx, 0, func(ctx context.Context) (*history.Result, error) {
			res, err := history.Reformat(history.Input{
				History:            outcome.history,
				TaskID:             t.TaskID,
				RunID:              p.cfg.RunID,
				Task:               t.ConfirmedTask,
				LastMessage:        outcome.lastMessage,
				BaseDir:            p.cfg.BaseDir,
				IncludeResult:      p.cfg.IncludeResult,
				AgentExecutionTime: agentSeconds,
			})
			if err != nil {
				return nil, err
			}
			if err := history.Save(taskDir, res); err != nil {
				return nil, err
			}
			return res, nil
		})
		if err != nil {
			p.recordStageError(result, StageFormatHistory, err)
		} else {
			result.Format = formatted
			result.StageCompleted(StageFormatHistory)
		}
	}

	// Evaluation needs execution data to judge.
	if result.HasExecutionData() && !result.Completed[StageEvaluate] && !result.Cancelled {
		eval, err := runStage(ctx, p.timeouts.evaluate, func(ctx context.Context) (*judge.Evaluation, error) {
			return p.deps.Judge.Evaluate(ctx, t, taskDir)
		})
		if err != nil {
			p.recordStageError(result, StageEvaluate, err)
		} else {
			result.Evaluation = eval
			result.StageCompleted(StageEvaluate)
		}
	}

	// The server save always runs, even for a cancelled or broken
	// pipeline, so partial results still reach the server.
	p.saveServer(ctx, result)

	status = result.Status()
	finalState := "completed"
	if !status.Success {
		finalState = "failed"
	}
	p.sendProgress(ctx, t.TaskID, string(CurrentStage(result.Completed)), finalState, status.Error)
	return status
}

// runAgent injects credentials where the task asks for them, builds the
// runner and executes it. Login tasks get a per-step cookie check so a
// successful login is caught even when the final browser state loses
// the cookie.
func (p *Pipeline) runAgent(ctx context.Context, t *task.Task, session browser.Session, cookies *judge.CookieTracker) (agentOutcome, error) {
	runTask := t
	if t.NeedsAuth() && p.deps.Auth != nil {
		if authText := task.FormatAuthInfo(p.deps.Auth, t.AuthKeys); authText != "" {
			runTask = task.WithInjectedAuthText(t, authText)
			slog.Info("injected auth credentials into task", "taskId", t.TaskID, "authKeys", t.AuthKeys)
		}
	}

	var onStep agent.StepCallback
	if t.IsLoginTask() {
		onStep = func(ctx context.Context, stepNumber int) error {
			cookies.CheckAtStep(ctx, session, t.TaskID, t.LoginCookie, stepNumber)
			return nil
		}
	}

	var registry *agent.Registry
	if p.deps.Registry != nil {
		registry = p.deps.Registry(runTask)
	}

	runner, err := p.deps.Builder.Build(ctx, agent.BuildInput{
		Task:              runTask,
		Session:           session,
		Registry:          registry,
		OnStep:            onStep,
		MaxActionsPerStep: p.cfg.MaxActionsPerStep,
		UseVision:         p.cfg.UseVision,
		UseThinking:       p.cfg.UseThinking,
	})
	if err != nil {
		return agentOutcome{}, fmt.Errorf("failed to build agent runner: %w", err)
	}

	hist, err := runner.Run(ctx, p.cfg.MaxSteps)
	out := agentOutcome{history: hist, lastMessage: runner.LastMessage()}
	if err != nil {
		return out, fmt.Errorf("agent run failed: %w", err)
	}
	return out, nil
}

// recordStageError classifies and records a stage failure, flipping the
// result to cancelled when the run context was torn down.
func (p *Pipeline) recordStageError(result *TaskResult, stage Stage, err error) {
	errorType := "exception"
	switch {
	case errors.Is(err, ErrStageTimeout):
		errorType = "timeout"
	case errors.Is(err, context.Canceled):
		errorType = "cancelled"
		result.MarkCancelled()
	}
	result.StageFailed(stage, errorType, err.Error())
	slog.Error("pipeline stage failed", "taskId", result.TaskID, "stage", stage, "errorType", errorType, "error", err)
}

// saveServer submits the result to the tracking server. Without a
// tracker the stage is a no-op that still counts as completed. The save
// runs detached from run cancellation so a cancelled task still reports
// what it has, on a short emergency deadline.
func (p *Pipeline) saveServer(ctx context.Context, result *TaskResult) {
	if p.deps.Tracker == nil {
		slog.Info("no tracking server configured, skipping server save", "taskId", result.TaskID)
		result.StageCompleted(StageSaveServer)
		return
	}

	timeout := p.timeouts.saveServer
	if result.Cancelled || result.CriticalError != "" {
		timeout = p.timeouts.emergencySave
	}
	_, err := runStage(context.WithoutCancel(ctx), timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.deps.Tracker.SaveTaskResult(ctx, result.ServerPayload())
	})
	if err != nil {
		result.MarkServerSaveFailed(err.Error())
		slog.Error("failed to save task result to server", "taskId", result.TaskID, "error", err)
		return
	}
	result.StageCompleted(StageSaveServer)
}

// sendProgress posts a stage transition to the tracking server. Failed
// updates are logged and dropped; progress is advisory.
func (p *Pipeline) sendProgress(ctx context.Context, taskID, stage, status, errMsg string) {
	if p.deps.Tracker == nil || p.cfg.RunID == "" {
		return
	}
	progress := tracker.Progress{
		RunID:               p.cfg.RunID,
		RunnerID:            p.runnerID,
		TaskID:              taskID,
		CurrentStage:        stage,
		Status:              status,
		GithubWorkflowURL:   p.cfg.GithubWorkflowURL,
		GithubWorkflowRunID: tracker.WorkflowRunID(p.cfg.GithubWorkflowURL),
		AssignedTaskRange:   p.cfg.AssignedTaskRange,
		ErrorMessage:        errMsg,
	}
	if err := p.deps.Tracker.SaveProgress(context.WithoutCancel(ctx), progress); err != nil {
		slog.Debug("progress update failed", "taskId", taskID, "stage", stage, "error", err)
	}
}
