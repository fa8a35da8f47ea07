package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// SubprocessConfig describes the external browser-automation command
// that drives the agent loop against a live browser session.
type SubprocessConfig struct {
	// Command is a shell command template rendered per run with:
	//   {{.PromptFile}}         file holding the task instruction
	//   {{.OutputFile}}         file the command must write its history JSON to
	//   {{.CDPURL}}             DevTools endpoint of the browser session
	//   {{.MaxSteps}}           step budget for the run
	//   {{.MaxActionsPerStep}}  actions allowed per step
	//   {{.UseVision}}          whether screenshots go to the model
	//   {{.UseThinking}}        whether extended reasoning is enabled
	Command string
	// Env entries are appended to the inherited environment.
	Env []string
}

type commandParams struct {
	PromptFile        string
	OutputFile        string
	CDPURL            string
	MaxSteps          int
	MaxActionsPerStep int
	UseVision         bool
	UseThinking       bool
}

type subprocessBuilder struct {
	cfg  SubprocessConfig
	tmpl *template.Template
}

var _ Builder = &subprocessBuilder{}

// NewSubprocessBuilder creates a Builder that runs the configured
// command once per task.
func NewSubprocessBuilder(cfg SubprocessConfig) (Builder, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("an agent command must be provided")
	}
	tmpl, err := template.New("agentCommand").Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent command template: %w", err)
	}
	return &subprocessBuilder{cfg: cfg, tmpl: tmpl}, nil
}

func (b *subprocessBuilder) Build(ctx context.Context, input BuildInput) (Runner, error) {
	if input.Task == nil {
		return nil, fmt.Errorf("a task must be provided")
	}
	if input.Session == nil {
		return nil, fmt.Errorf("a browser session must be provided")
	}
	return &subprocessRunner{cfg: b.cfg, tmpl: b.tmpl, input: input}, nil
}

// subprocessRunner runs the command once per task. The trajectory is
// only available after the command exits, so BuildInput.OnStep is never
// invoked; callers needing mid-run evidence must inspect the session
// after the run.
type subprocessRunner struct {
	cfg   SubprocessConfig
	tmpl  *template.Template
	input BuildInput
	last  string
}

var _ Runner = &subprocessRunner{}

// historyFile is the JSON document the agent command writes on exit.
type historyFile struct {
	Steps       []Step `json:"steps"`
	Usage       *Usage `json:"usage,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
}

func (r *subprocessRunner) Run(ctx context.Context, maxSteps int) (*History, error) {
	workDir, err := os.MkdirTemp("", "webeval-agent-")
	if err != nil {
		return nil, fmt.Errorf("failed to create agent work directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	promptFile := filepath.Join(workDir, "task.txt")
	if err := os.WriteFile(promptFile, []byte(r.input.Task.ConfirmedTask), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write task prompt: %w", err)
	}
	outputFile := filepath.Join(workDir, "history.json")

	rendered := bytes.NewBuffer(nil)
	err = r.tmpl.Execute(rendered, commandParams{
		PromptFile:        promptFile,
		OutputFile:        outputFile,
		CDPURL:            r.input.Session.CDPURL(),
		MaxSteps:          maxSteps,
		MaxActionsPerStep: r.input.MaxActionsPerStep,
		UseVision:         r.input.UseVision,
		UseThinking:       r.input.UseThinking,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render agent command: %w", err)
	}

	shell, ok := os.LookupEnv("SHELL")
	if !ok {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", rendered.String())
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)

	slog.Info("running browser agent", "taskId", r.input.Task.TaskID, "maxSteps", maxSteps)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("agent command failed: %w\noutput: %s", err, out)
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, fmt.Errorf("agent command wrote no history: %w", err)
	}
	var payload historyFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse agent history: %w", err)
	}
	r.last = payload.LastMessage

	return &History{Steps: payload.Steps, Usage: payload.Usage}, nil
}

func (r *subprocessRunner) LastMessage() string {
	return r.last
}
