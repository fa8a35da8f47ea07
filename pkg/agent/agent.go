package agent

import (
	"context"

	"github.com/webeval/webeval/pkg/browser"
	"github.com/webeval/webeval/pkg/task"
)

// StepCallback is invoked after every agent step with the 1-based step
// number. Callback errors are logged by the runner but never abort the
// run.
type StepCallback func(ctx context.Context, stepNumber int) error

// BuildInput carries everything a Builder needs to assemble a runner
// for one task.
type BuildInput struct {
	Task    *task.Task
	Session browser.Session
	// Registry supplies extra or overridden actions.
	Registry *Registry
	// OnStep, when set, is called after each completed step.
	OnStep StepCallback

	MaxActionsPerStep int
	UseVision         bool
	UseThinking       bool
}

// Runner drives the browser through a task and records the trajectory.
type Runner interface {
	// Run executes up to maxSteps agent steps and returns the recorded
	// history. A non-nil history may accompany an error when the run
	// failed partway through.
	Run(ctx context.Context, maxSteps int) (*History, error)
	// LastMessage returns the agent's final textual response.
	LastMessage() string
}

// Builder assembles a Runner for a task. Implementations wrap whatever
// automation backend actually drives the browser.
type Builder interface {
	Build(ctx context.Context, input BuildInput) (Runner, error)
}
