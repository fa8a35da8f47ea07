package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/webeval/webeval/pkg/agent"
)

// StepState is the page context captured for one step.
type StepState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// StepRecord is one entry of the complete history written to disk.
type StepRecord struct {
	StepNumber  int                  `json:"step_number"`
	ModelOutput map[string]any       `json:"model_output"`
	Result      []agent.ActionResult `json:"result"`
	State       StepState            `json:"state"`
	Metadata    *agent.StepMetadata  `json:"metadata"`
}

// Result is the reformatted trajectory persisted as result.json.
type Result struct {
	TaskID              string       `json:"task_id"`
	RunID               string       `json:"run_id"`
	Task                string       `json:"task"`
	ActionHistory       []string     `json:"action_history"`
	ScreenshotPaths     []string     `json:"screenshot_paths"`
	FinalResultResponse string       `json:"final_result_response"`
	LastMessage         string       `json:"last_message"`
	SelfReportCompleted bool         `json:"self_report_completed"`
	SelfReportSuccess   *bool        `json:"self_report_success"`
	CompleteHistory     []StepRecord `json:"complete_history"`
	TaskDuration        *float64     `json:"task_duration"`
	Steps               int          `json:"steps"`
	TokensUsed          int          `json:"tokensUsed"`
	Usage               *agent.Usage `json:"usage"`

	// Evaluation fields merged in after judging.
	Judgement                       *string        `json:"judgement,omitempty"`
	Evaluation                      map[string]any `json:"Online_Mind2Web_evaluation,omitempty"`
	ComprehensiveJudgeEvaluation    map[string]any `json:"comprehensive_judge_evaluation,omitempty"`
	ComprehensiveJudgeEvaluationErr string         `json:"comprehensive_judge_evaluation_error,omitempty"`
}

// Input gathers everything Reformat needs for one run.
type Input struct {
	History     *agent.History
	TaskID      string
	RunID       string
	Task        string
	LastMessage string
	// BaseDir is the trajectories root; artifacts land under
	// BaseDir/<taskID>/.
	BaseDir string
	// IncludeResult appends the final answer to the action history.
	IncludeResult bool
	// AgentExecutionTime is the wall-clock agent runtime in seconds.
	// When nil, duration falls back to step timestamps.
	AgentExecutionTime *float64
}

// Reformat converts an agent trajectory into the persisted result
// layout: screenshots under trajectory_with_highlights/, everything
// else in result.json.
func Reformat(in Input) (*Result, error) {
	taskDir := filepath.Join(in.BaseDir, in.TaskID)
	screenshotsDir := filepath.Join(taskDir, "trajectory_with_highlights")

	if err := os.MkdirAll(screenshotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trajectory folder: %w", err)
	}

	result := &Result{
		TaskID:          in.TaskID,
		RunID:           in.RunID,
		Task:            in.Task,
		LastMessage:     in.LastMessage,
		ActionHistory:   []string{},
		ScreenshotPaths: []string{},
		CompleteHistory: []StepRecord{},
	}

	finalResult := ""
	if in.History != nil {
		result.Usage = in.History.Usage

		for stepNum, step := range in.History.Steps {
			if len(step.Screenshot) > 0 {
				screenshotPath := filepath.Join(screenshotsDir, fmt.Sprintf("step_%d.png", stepNum))
				if err := os.WriteFile(screenshotPath, step.Screenshot, 0o644); err != nil {
					return nil, fmt.Errorf("failed to save screenshot for step %d: %w", stepNum, err)
				}
				result.ScreenshotPaths = append(result.ScreenshotPaths, screenshotPath)
			}

			for _, r := range step.Results {
				// the final answer is excluded from the action history
				if r.ExtractedContent != "" && r.ExtractedContent != "None" && !r.IsDone {
					result.ActionHistory = append(result.ActionHistory, r.ExtractedContent)
				}
				if r.IsDone {
					finalResult = r.ExtractedContent
					result.SelfReportCompleted = true
					result.SelfReportSuccess = r.Success
				}
			}

			var modelOutput map[string]any
			if step.ModelOutput != nil {
				actions := make([]any, 0, len(step.ModelOutput.Actions))
				for _, action := range step.ModelOutput.Actions {
					actions = append(actions, agent.CleanActionDict(action))
				}
				modelOutput = map[string]any{"action": actions}
				if step.ModelOutput.CurrentState != nil {
					modelOutput["current_state"] = step.ModelOutput.CurrentState
				}
			}

			result.CompleteHistory = append(result.CompleteHistory, StepRecord{
				StepNumber:  stepNum,
				ModelOutput: modelOutput,
				Result:      step.Results,
				State:       StepState{URL: step.URL, Title: step.Title},
				Metadata:    step.Metadata,
			})

			if step.Metadata != nil {
				if step.Metadata.InputTokens < 0 {
					slog.Warn("skipping negative input token count", "taskId", in.TaskID, "step", stepNum)
				} else {
					result.TokensUsed += step.Metadata.InputTokens
				}
			}
		}
	}

	result.FinalResultResponse = finalResult
	result.Steps = len(result.CompleteHistory)
	result.TaskDuration = taskDuration(in.AgentExecutionTime, result.CompleteHistory)

	if in.IncludeResult && strings.TrimSpace(finalResult) != "" {
		result.ActionHistory = append(result.ActionHistory, finalResult)
	}

	if result.Usage == nil {
		slog.Warn("agent history has no usage data", "taskId", in.TaskID)
	}

	if err := Save(taskDir, result); err != nil {
		return nil, err
	}

	return result, nil
}

// taskDuration prefers wall-clock agent timing and falls back to the
// span between the first step's start and the last step's end.
func taskDuration(wallClock *float64, steps []StepRecord) *float64 {
	if wallClock != nil {
		return wallClock
	}
	if len(steps) == 0 {
		return nil
	}

	first := steps[0].Metadata
	last := steps[len(steps)-1].Metadata
	if first == nil || last == nil || first.StepStartTime == 0 || last.StepEndTime == 0 {
		return nil
	}

	d := last.StepEndTime - first.StepStartTime
	return &d
}

// Save writes result.json into the task folder.
func Save(taskDir string, result *Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	path := filepath.Join(taskDir, "result.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads a previously saved result.json from the task folder.
func Load(taskDir string) (*Result, error) {
	path := filepath.Join(taskDir, "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &result, nil
}
