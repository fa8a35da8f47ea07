// Package results provides utilities for loading, filtering, and analyzing run results.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/webeval/webeval/pkg/pipeline"
)

// Stats holds computed statistics from a batch run.
type Stats struct {
	ResultsFile    string  `json:"resultsFile"`
	TasksTotal     int     `json:"tasksTotal"`
	TasksPassed    int     `json:"tasksPassed"`
	TaskPassRate   float64 `json:"taskPassRate"`
	TasksEvaluated int     `json:"tasksEvaluated"`
	TasksSaved     int     `json:"tasksSaved"`
}

// Load reads a JSON results file and returns the parsed task statuses.
func Load(path string) ([]pipeline.LocalStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	var statuses []pipeline.LocalStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		return nil, fmt.Errorf("failed to parse results JSON: %w", err)
	}

	return statuses, nil
}

// Save writes task statuses to a JSON results file.
func Save(path string, statuses []pipeline.LocalStatus) error {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return nil
}

// Filter returns the subset of results whose task IDs contain the filter substring.
func Filter(statuses []pipeline.LocalStatus, filter string) []pipeline.LocalStatus {
	if filter == "" {
		return statuses
	}

	filter = strings.ToLower(filter)
	filtered := make([]pipeline.LocalStatus, 0, len(statuses))
	for _, s := range statuses {
		if strings.Contains(strings.ToLower(s.TaskID), filter) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// CalculateStats computes statistics from task statuses.
func CalculateStats(resultsFile string, statuses []pipeline.LocalStatus) Stats {
	stats := Stats{
		ResultsFile: resultsFile,
		TasksTotal:  len(statuses),
	}

	for _, s := range statuses {
		if s.Success {
			stats.TasksPassed++
		}
		if reachedStage(s, pipeline.StageEvaluate) {
			stats.TasksEvaluated++
		}
		if reachedStage(s, pipeline.StageSaveServer) {
			stats.TasksSaved++
		}
	}

	if stats.TasksTotal > 0 {
		stats.TaskPassRate = float64(stats.TasksPassed) / float64(stats.TasksTotal)
	}

	return stats
}

// FailureReason returns a human-readable reason a task did not pass.
func FailureReason(s pipeline.LocalStatus) string {
	if s.Success {
		return ""
	}
	if s.Error != "" {
		return s.Error
	}
	if !reachedStage(s, pipeline.StageEvaluate) {
		return "task was never evaluated"
	}
	return "task failed evaluation"
}

func reachedStage(s pipeline.LocalStatus, stage pipeline.Stage) bool {
	for _, completed := range s.CompletedStages {
		if completed == string(stage) {
			return true
		}
	}
	return false
}
