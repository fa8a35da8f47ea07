package pipeline

import (
	"encoding/json"
	"sort"

	"github.com/webeval/webeval/pkg/history"
	"github.com/webeval/webeval/pkg/judge"
)

// StageError records a failure of one pipeline stage. ErrorType is
// "exception", "timeout" or "server_save".
type StageError struct {
	Stage     Stage  `json:"stage"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// TaskResult accumulates the outcome of a single task pipeline. Stages
// that fail are recorded and later stages still run where they can, so
// a result can hold partial data from any mix of stages.
type TaskResult struct {
	TaskID            string
	RunID             string
	Task              string
	MaxSteps          int
	GithubWorkflowURL string

	Completed  map[Stage]bool
	Format     *history.Result
	Evaluation *judge.Evaluation

	Errors           []StageError
	Cancelled        bool
	CriticalError    string
	ServerSaveFailed bool
}

func NewTaskResult(taskID, runID, confirmedTask string, maxSteps int) *TaskResult {
	return &TaskResult{
		TaskID:    taskID,
		RunID:     runID,
		Task:      confirmedTask,
		MaxSteps:  maxSteps,
		Completed: map[Stage]bool{},
	}
}

func (r *TaskResult) StageCompleted(stage Stage) {
	r.Completed[stage] = true
}

func (r *TaskResult) StageFailed(stage Stage, errorType, message string) {
	r.Errors = append(r.Errors, StageError{Stage: stage, ErrorType: errorType, Message: message})
}

func (r *TaskResult) MarkCancelled() {
	r.Cancelled = true
}

func (r *TaskResult) MarkCriticalError(err string) {
	r.CriticalError = err
}

func (r *TaskResult) MarkServerSaveFailed(err string) {
	r.ServerSaveFailed = true
	r.Errors = append(r.Errors, StageError{Stage: StageSaveServer, ErrorType: "server_save", Message: err})
}

// HasExecutionData reports whether the agent produced anything worth
// evaluating.
func (r *TaskResult) HasExecutionData() bool {
	return r.Completed[StageRunAgent] || r.Completed[StageFormatHistory]
}

func (r *TaskResult) completedList() []string {
	stages := make([]string, 0, len(r.Completed))
	for stage := range r.Completed {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	return stages
}

// ServerPayload builds the submission document for the tracking server.
// Execution and evaluation blocks are only present when the matching
// stage completed.
func (r *TaskResult) ServerPayload() map[string]any {
	var criticalError any
	if r.CriticalError != "" {
		criticalError = r.CriticalError
	}
	payload := map[string]any{
		"taskId":             r.TaskID,
		"runId":              r.RunID,
		"task":               r.Task,
		"completed_stages":   r.completedList(),
		"has_errors":         len(r.Errors) > 0,
		"cancelled":          r.Cancelled,
		"critical_error":     criticalError,
		"server_save_failed": r.ServerSaveFailed,
		"githubWorkflowUrl":  r.GithubWorkflowURL,
	}

	if r.Completed[StageFormatHistory] && r.Format != nil {
		var usage any
		if r.Format.Usage != nil {
			if raw, err := json.Marshal(r.Format.Usage); err == nil {
				usage = string(raw)
			}
		}
		selfReportSuccess := false
		if r.Format.SelfReportSuccess != nil {
			selfReportSuccess = *r.Format.SelfReportSuccess
		}
		payload["actionHistory"] = r.Format.ActionHistory
		payload["finalResultResponse"] = r.Format.FinalResultResponse
		payload["selfReportCompleted"] = r.Format.SelfReportCompleted
		payload["selfReportSuccess"] = selfReportSuccess
		payload["taskDuration"] = r.Format.TaskDuration
		payload["steps"] = r.Format.Steps
		payload["maxSteps"] = r.MaxSteps
		payload["tokensUsed"] = r.Format.TokensUsed
		payload["usage"] = usage
		payload["completeHistory"] = r.Format.CompleteHistory
	}

	if r.Completed[StageEvaluate] && r.Evaluation != nil {
		if comp := r.Evaluation.Comprehensive; comp != nil {
			payload["comprehensiveJudgeEvaluationSummary"] = comp.TaskSummary
			payload["comprehensiveJudgeEvaluationReasoning"] = comp.Reasoning
			payload["comprehensiveJudgeEvaluationPassed"] = comp.Passed
			payload["comprehensiveJudgeEvaluationScore"] = comp.FinalScore
			payload["comprehensiveJudgeEvaluationCategories"] = comp.TaskCategories
			payload["comprehensiveJudgeEvaluationErrors"] = comp.ErrorCategories
			payload["comprehensiveJudgeEvaluationTips"] = comp.ImprovementTips
			payload["comprehensiveJudgeEvaluationCriticalIssues"] = comp.CriticalIssues
			payload["comprehensiveJudgeEvaluationScores"] = comp.Scores
			payload["comprehensiveJudgeEvaluationFull"] = comp
		}
		judgement := r.Evaluation.Judgement
		if judgement == "" {
			judgement = "No evaluation available"
		}
		payload["onlineMind2WebEvaluationJudgement"] = judgement
		payload["onlineMind2WebEvaluationError"] = r.Evaluation.Error
		payload["onlineMind2WebEvaluationSuccess"] = r.Evaluation.Success
		payload["onlineMind2WebEvaluationScore"] = r.Evaluation.Score
	}

	return payload
}

// LocalStatus is the run summary kept on the local machine.
type LocalStatus struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
	CompletedStages []string `json:"completed_stages"`
}

// Status reduces the result to a local pass/fail view. A task counts as
// successful only when the evaluation stage completed and nothing
// hard-failed along the way.
func (r *TaskResult) Status() LocalStatus {
	success := r.Completed[StageEvaluate] && !r.Cancelled && r.CriticalError == ""
	if success {
		for _, e := range r.Errors {
			if e.ErrorType == "exception" {
				success = false
				break
			}
		}
	}
	errMsg := r.CriticalError
	if errMsg == "" && len(r.Errors) > 0 {
		errMsg = r.Errors[0].Message
	}
	return LocalStatus{
		TaskID:          r.TaskID,
		Success:         success,
		Error:           errMsg,
		CompletedStages: r.completedList(),
	}
}
