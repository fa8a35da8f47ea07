package judge

import "context"

// ComprehensiveResult is the structured verdict a comprehensive judge
// returns for one task.
type ComprehensiveResult struct {
	Passed          bool           `json:"passed"`
	FinalScore      int            `json:"final_score"`
	TaskSummary     string         `json:"task_summary,omitempty"`
	Reasoning       string         `json:"reasoning,omitempty"`
	TaskCategories  []string       `json:"task_categories,omitempty"`
	ErrorCategories []string       `json:"error_categories,omitempty"`
	ImprovementTips []string       `json:"improvement_tips,omitempty"`
	CriticalIssues  []string       `json:"critical_issues,omitempty"`
	Scores          map[string]int `json:"scores,omitempty"`
}

// Comprehensive grades a full task folder across multiple rubric
// dimensions. Implementations live outside this package; a nil
// Comprehensive means the capability is unavailable and evaluation
// falls back to the Mind2Web protocol.
type Comprehensive interface {
	Evaluate(ctx context.Context, taskDir string, maxImages int) (*ComprehensiveResult, error)
}
