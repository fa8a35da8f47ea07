package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/webeval/webeval/pkg/agent"
	"github.com/webeval/webeval/pkg/history"
	"github.com/webeval/webeval/pkg/judge"
)

func TestCurrentStage(t *testing.T) {
	tt := map[string]struct {
		completed []Stage
		expected  Stage
	}{
		"nothing completed": {
			completed: nil,
			expected:  StageSetupBrowser,
		},
		"browser only": {
			completed: []Stage{StageSetupBrowser},
			expected:  StageSetupBrowser,
		},
		"agent ran": {
			completed: []Stage{StageSetupBrowser, StageRunAgent},
			expected:  StageRunAgent,
		},
		"evaluated": {
			completed: []Stage{StageSetupBrowser, StageRunAgent, StageFormatHistory, StageEvaluate},
			expected:  StageEvaluate,
		},
		"fully saved": {
			completed: []Stage{StageSetupBrowser, StageRunAgent, StageFormatHistory, StageEvaluate, StageSaveServer},
			expected:  StageSaveServer,
		},
		"save without evaluate": {
			completed: []Stage{StageSetupBrowser, StageSaveServer},
			expected:  StageSaveServer,
		},
	}
	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			completed := map[Stage]bool{}
			for _, stage := range tc.completed {
				completed[stage] = true
			}
			assert.Equal(t, tc.expected, CurrentStage(completed))
		})
	}
}

func TestServerPayloadBase(t *testing.T) {
	result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
	result.GithubWorkflowURL = "https://github.com/acme/evals/actions/runs/42"
	result.StageCompleted(StageSetupBrowser)
	result.StageFailed(StageRunAgent, "timeout", "agent run timed out")

	payload := result.ServerPayload()
	assert.Equal(t, "task-1", payload["taskId"])
	assert.Equal(t, "run-1", payload["runId"])
	assert.Equal(t, "buy a plant", payload["task"])
	assert.Equal(t, []string{"setup_browser"}, payload["completed_stages"])
	assert.Equal(t, true, payload["has_errors"])
	assert.Equal(t, false, payload["cancelled"])
	assert.Nil(t, payload["critical_error"])
	assert.Equal(t, false, payload["server_save_failed"])
	assert.Equal(t, "https://github.com/acme/evals/actions/runs/42", payload["githubWorkflowUrl"])

	// execution and evaluation blocks absent without their stages
	assert.NotContains(t, payload, "actionHistory")
	assert.NotContains(t, payload, "onlineMind2WebEvaluationJudgement")

	_, err := json.Marshal(payload)
	require.NoError(t, err)
}

func TestServerPayloadExecutionData(t *testing.T) {
	result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
	result.StageCompleted(StageFormatHistory)
	result.Format = &history.Result{
		ActionHistory:       []string{"clicked buy"},
		FinalResultResponse: "done",
		SelfReportCompleted: true,
		SelfReportSuccess:   ptr.To(true),
		TaskDuration:        ptr.To(12.5),
		Steps:               3,
		TokensUsed:          999,
		Usage:               &agent.Usage{InputTokens: 900, OutputTokens: 99, TotalTokens: 999},
		CompleteHistory:     []history.StepRecord{{StepNumber: 1}},
	}

	payload := result.ServerPayload()
	assert.Equal(t, []string{"clicked buy"}, payload["actionHistory"])
	assert.Equal(t, "done", payload["finalResultResponse"])
	assert.Equal(t, true, payload["selfReportCompleted"])
	assert.Equal(t, true, payload["selfReportSuccess"])
	assert.Equal(t, 50, payload["maxSteps"])
	assert.Equal(t, 999, payload["tokensUsed"])

	usage, ok := payload["usage"].(string)
	require.True(t, ok, "usage must be a JSON string")
	assert.JSONEq(t, `{"input_tokens":900,"output_tokens":99,"total_tokens":999}`, usage)
}

func TestServerPayloadSelfReportSuccessDefaultsFalse(t *testing.T) {
	result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
	result.StageCompleted(StageFormatHistory)
	result.Format = &history.Result{}

	assert.Equal(t, false, result.ServerPayload()["selfReportSuccess"])
}

func TestServerPayloadEvaluation(t *testing.T) {
	tt := map[string]struct {
		evaluation        *judge.Evaluation
		expectedJudgement string
		comprehensiveKeys bool
	}{
		"mind2web only": {
			evaluation: &judge.Evaluation{
				TaskID:    "task-1",
				Judgement: "the agent bought the plant",
				Success:   true,
				Score:     1.0,
			},
			expectedJudgement: "the agent bought the plant",
		},
		"empty judgement defaults": {
			evaluation:        &judge.Evaluation{TaskID: "task-1"},
			expectedJudgement: "No evaluation available",
		},
		"comprehensive": {
			evaluation: &judge.Evaluation{
				TaskID:    "task-1",
				Judgement: "solid run",
				Success:   true,
				Score:     0.92,
				Comprehensive: &judge.ComprehensiveResult{
					Passed:      true,
					FinalScore:  92,
					TaskSummary: "bought the plant",
					Reasoning:   "solid run",
					Scores:      map[string]int{"task_completion": 92},
				},
			},
			expectedJudgement: "solid run",
			comprehensiveKeys: true,
		},
	}
	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
			result.StageCompleted(StageEvaluate)
			result.Evaluation = tc.evaluation

			payload := result.ServerPayload()
			assert.Equal(t, tc.expectedJudgement, payload["onlineMind2WebEvaluationJudgement"])
			assert.Equal(t, tc.evaluation.Success, payload["onlineMind2WebEvaluationSuccess"])
			assert.Equal(t, tc.evaluation.Score, payload["onlineMind2WebEvaluationScore"])

			if tc.comprehensiveKeys {
				assert.Equal(t, true, payload["comprehensiveJudgeEvaluationPassed"])
				assert.Equal(t, 92, payload["comprehensiveJudgeEvaluationScore"])
				assert.Equal(t, "bought the plant", payload["comprehensiveJudgeEvaluationSummary"])
				assert.Equal(t, tc.evaluation.Comprehensive, payload["comprehensiveJudgeEvaluationFull"])
			} else {
				assert.NotContains(t, payload, "comprehensiveJudgeEvaluationPassed")
			}

			_, err := json.Marshal(payload)
			require.NoError(t, err)
		})
	}
}

func TestStatus(t *testing.T) {
	tt := map[string]struct {
		build           func(r *TaskResult)
		expectedSuccess bool
		expectedError   string
	}{
		"evaluated clean run succeeds": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageEvaluate)
			},
			expectedSuccess: true,
		},
		"timeout error does not block success": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageEvaluate)
				r.StageFailed(StageSetupBrowser, "timeout", "browser setup timed out")
			},
			expectedSuccess: true,
			expectedError:   "browser setup timed out",
		},
		"exception error fails": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageEvaluate)
				r.StageFailed(StageRunAgent, "exception", "agent crashed")
			},
			expectedSuccess: false,
			expectedError:   "agent crashed",
		},
		"no evaluation fails": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageRunAgent)
			},
			expectedSuccess: false,
		},
		"cancelled fails": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageEvaluate)
				r.MarkCancelled()
			},
			expectedSuccess: false,
		},
		"critical error wins the error slot": {
			build: func(r *TaskResult) {
				r.StageCompleted(StageEvaluate)
				r.StageFailed(StageRunAgent, "exception", "agent crashed")
				r.MarkCriticalError("out of memory")
			},
			expectedSuccess: false,
			expectedError:   "out of memory",
		},
	}
	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
			tc.build(result)

			status := result.Status()
			assert.Equal(t, "task-1", status.TaskID)
			assert.Equal(t, tc.expectedSuccess, status.Success)
			assert.Equal(t, tc.expectedError, status.Error)
		})
	}
}

func TestMarkServerSaveFailed(t *testing.T) {
	result := NewTaskResult("task-1", "run-1", "buy a plant", 50)
	result.MarkServerSaveFailed("connection refused")

	assert.True(t, result.ServerSaveFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, StageSaveServer, result.Errors[0].Stage)
	assert.Equal(t, "server_save", result.Errors[0].ErrorType)
}
