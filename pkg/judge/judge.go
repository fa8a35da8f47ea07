package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/webeval/webeval/pkg/history"
	"github.com/webeval/webeval/pkg/task"
)

// Evaluation is the unified verdict for one task.
type Evaluation struct {
	TaskID             string               `json:"task_id"`
	Judgement          string               `json:"judgement"`
	Success            bool                 `json:"success"`
	Error              string               `json:"error,omitempty"`
	Score              float64              `json:"score"`
	Comprehensive      *ComprehensiveResult `json:"comprehensive_evaluation,omitempty"`
	ComprehensiveError string               `json:"comprehensive_error,omitempty"`
	TrackingData       *TrackingRecord      `json:"tracking_data,omitempty"`
}

const (
	comprehensiveTimeout   = 3 * time.Minute
	comprehensiveMaxImages = 10
)

// Judge combines the comprehensive judge, the Mind2Web protocol and
// the cookie evaluator into a single verdict per task.
type Judge struct {
	mind2web      *Mind2WebJudge
	comprehensive Comprehensive
	// useMind2Web forces the Mind2Web protocol even when a
	// comprehensive judge is configured.
	useMind2Web bool
}

// New creates a Judge. comprehensive may be nil.
func New(mind2web *Mind2WebJudge, comprehensive Comprehensive, useMind2Web bool) *Judge {
	return &Judge{
		mind2web:      mind2web,
		comprehensive: comprehensive,
		useMind2Web:   useMind2Web,
	}
}

// Evaluate judges the task folder. Login tasks additionally run the
// cookie evaluator, whose score, success and error overwrite the model
// verdict.
func (j *Judge) Evaluate(ctx context.Context, t *task.Task, taskDir string) (*Evaluation, error) {
	if t != nil && t.IsLoginTask() {
		slog.Info("using combined cookie and judge evaluation for login task", "taskId", t.TaskID)

		eval := j.judgeTaskResult(ctx, taskDir)
		cookieEval := EvaluateLoginCookie(t.LoginCookie, taskDir)

		eval.Score = cookieEval.Score
		eval.Success = cookieEval.Success
		eval.Error = cookieEval.Error
		eval.TrackingData = cookieEval.TrackingData
		if eval.Comprehensive != nil {
			eval.Comprehensive.Passed = cookieEval.Success
			eval.Comprehensive.FinalScore = int(cookieEval.Score * 100)
		}
		return eval, nil
	}

	return j.judgeTaskResult(ctx, taskDir), nil
}

func (j *Judge) judgeTaskResult(ctx context.Context, taskDir string) *Evaluation {
	taskID := filepath.Base(taskDir)

	result, err := history.Load(taskDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Evaluation{
				TaskID:    taskID,
				Judgement: "No result.json found",
				Error:     "No result.json found",
			}
		}
		return &Evaluation{
			TaskID:    taskID,
			Judgement: fmt.Sprintf("Evaluation failed: %v", err),
			Error:     err.Error(),
		}
	}

	if j.useMind2Web || j.comprehensive == nil {
		if !j.useMind2Web {
			slog.Warn("comprehensive judge not available, falling back to Mind2Web", "taskId", taskID)
		}
		return j.mind2webVerdict(ctx, taskID, taskDir, result, "")
	}

	slog.Info("using comprehensive judge evaluation", "taskId", taskID)

	if len(result.ComprehensiveJudgeEvaluation) > 0 {
		return evaluationFromPersisted(taskID, result.ComprehensiveJudgeEvaluation)
	}

	compCtx, cancel := context.WithTimeout(ctx, comprehensiveTimeout)
	defer cancel()

	compResult, err := j.comprehensive.Evaluate(compCtx, taskDir, comprehensiveMaxImages)
	if err == nil && compResult == nil {
		err = fmt.Errorf("comprehensive judge returned no results")
	}
	if err != nil {
		slog.Error("comprehensive judge evaluation failed, falling back to Mind2Web", "taskId", taskID, "error", err)
		return j.mind2webVerdict(ctx, taskID, taskDir, result, err.Error())
	}

	eval := &Evaluation{
		TaskID:        taskID,
		Judgement:     compResult.Reasoning,
		Success:       compResult.Passed,
		Score:         float64(compResult.FinalScore) / 100.0,
		Comprehensive: compResult,
	}
	if eval.Judgement == "" {
		eval.Judgement = "Comprehensive evaluation completed"
	}

	persistComprehensive(taskDir, result, compResult)
	return eval
}

// mind2webVerdict runs the Mind2Web protocol, reusing a persisted
// verdict when the task folder already holds one.
func (j *Judge) mind2webVerdict(ctx context.Context, taskID, taskDir string, result *history.Result, comprehensiveErr string) *Evaluation {
	slog.Info("using Online Mind2Web evaluation", "taskId", taskID)

	if len(result.Evaluation) > 0 {
		eval := evaluationFromMap(taskID, result.Evaluation)
		eval.ComprehensiveError = comprehensiveErr
		return eval
	}

	eval, err := j.mind2web.Evaluate(ctx, taskID, result.Task, result.ActionHistory, result.ScreenshotPaths)
	if err != nil {
		return &Evaluation{
			TaskID:             taskID,
			Judgement:          fmt.Sprintf("Mind2Web evaluation failed: %v", err),
			Error:              err.Error(),
			ComprehensiveError: comprehensiveErr,
		}
	}
	eval.ComprehensiveError = comprehensiveErr

	// persist the verdict so reruns skip the model calls
	result.Evaluation = map[string]any{
		"task_id":   eval.TaskID,
		"judgement": eval.Judgement,
		"success":   eval.Success,
		"error":     nil,
		"score":     eval.Score,
	}
	if err := history.Save(taskDir, result); err != nil {
		slog.Warn("failed to persist evaluation", "taskId", taskID, "error", err)
	}

	return eval
}

func evaluationFromMap(taskID string, m map[string]any) *Evaluation {
	eval := &Evaluation{TaskID: taskID}
	if v, ok := m["judgement"].(string); ok {
		eval.Judgement = v
	}
	if v, ok := m["success"].(bool); ok {
		eval.Success = v
	}
	if v, ok := m["error"].(string); ok {
		eval.Error = v
	}
	if v, ok := m["score"].(float64); ok {
		eval.Score = v
	}
	return eval
}

func evaluationFromPersisted(taskID string, m map[string]any) *Evaluation {
	eval := &Evaluation{TaskID: taskID, Judgement: "Comprehensive evaluation completed"}
	if v, ok := m["reasoning"].(string); ok && v != "" {
		eval.Judgement = v
	}
	if v, ok := m["passed"].(bool); ok {
		eval.Success = v
	}
	if v, ok := m["final_score"].(float64); ok {
		eval.Score = v / 100.0
	}

	data, err := json.Marshal(m)
	if err == nil {
		var comp ComprehensiveResult
		if err := json.Unmarshal(data, &comp); err == nil {
			eval.Comprehensive = &comp
		}
	}
	return eval
}

func persistComprehensive(taskDir string, result *history.Result, comp *ComprehensiveResult) {
	data, err := json.Marshal(comp)
	if err != nil {
		slog.Warn("failed to marshal comprehensive evaluation", "error", err)
		return
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("failed to convert comprehensive evaluation", "error", err)
		return
	}
	result.ComprehensiveJudgeEvaluation = m
	if err := history.Save(taskDir, result); err != nil {
		slog.Warn("failed to persist comprehensive evaluation", "error", err)
	}
}
