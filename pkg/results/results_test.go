package results

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webeval/webeval/pkg/pipeline"
)

func sampleStatuses() []pipeline.LocalStatus {
	return []pipeline.LocalStatus{
		{
			TaskID:          "shop-buy-plant",
			Success:         true,
			CompletedStages: []string{"setup_browser", "run_agent", "format_history", "evaluate", "save_server"},
		},
		{
			TaskID:          "shop-checkout",
			Success:         false,
			CompletedStages: []string{"setup_browser", "run_agent", "format_history", "evaluate", "save_server"},
		},
		{
			TaskID:          "news-find-article",
			Success:         false,
			Error:           "agent run timed out",
			CompletedStages: []string{"setup_browser", "save_server"},
		},
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	statuses := sampleStatuses()

	require.NoError(t, Save(path, statuses))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, statuses, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "failed to read results file")
}

func TestFilter(t *testing.T) {
	tt := map[string]struct {
		filter   string
		expected []string
	}{
		"empty filter keeps everything": {
			filter:   "",
			expected: []string{"shop-buy-plant", "shop-checkout", "news-find-article"},
		},
		"substring match": {
			filter:   "shop",
			expected: []string{"shop-buy-plant", "shop-checkout"},
		},
		"case insensitive": {
			filter:   "NEWS",
			expected: []string{"news-find-article"},
		},
		"no match": {
			filter:   "banking",
			expected: []string{},
		},
	}
	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			filtered := Filter(sampleStatuses(), tc.filter)
			ids := make([]string, 0, len(filtered))
			for _, s := range filtered {
				ids = append(ids, s.TaskID)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}
}

func TestCalculateStats(t *testing.T) {
	stats := CalculateStats("results.json", sampleStatuses())

	assert.Equal(t, "results.json", stats.ResultsFile)
	assert.Equal(t, 3, stats.TasksTotal)
	assert.Equal(t, 1, stats.TasksPassed)
	assert.InDelta(t, 1.0/3.0, stats.TaskPassRate, 0.001)
	assert.Equal(t, 2, stats.TasksEvaluated)
	assert.Equal(t, 3, stats.TasksSaved)
}

func TestCalculateStatsEmpty(t *testing.T) {
	stats := CalculateStats("results.json", nil)
	assert.Zero(t, stats.TasksTotal)
	assert.Zero(t, stats.TaskPassRate)
}

func TestFailureReason(t *testing.T) {
	tt := map[string]struct {
		status   pipeline.LocalStatus
		expected string
	}{
		"passing task has no reason": {
			status:   pipeline.LocalStatus{Success: true},
			expected: "",
		},
		"explicit error wins": {
			status:   pipeline.LocalStatus{Error: "agent run timed out"},
			expected: "agent run timed out",
		},
		"never evaluated": {
			status:   pipeline.LocalStatus{CompletedStages: []string{"setup_browser"}},
			expected: "task was never evaluated",
		},
		"judged as failed": {
			status:   pipeline.LocalStatus{CompletedStages: []string{"evaluate"}},
			expected: "task failed evaluation",
		},
	}
	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tc.expected, FailureReason(tc.status))
		})
	}
}
