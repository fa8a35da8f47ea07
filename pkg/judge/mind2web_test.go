package judge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webeval/webeval/pkg/llm"
)

// scriptedClient replays canned completions and records the prompts it
// received.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     []llm.Message
	n         int
}

func (c *scriptedClient) Invoke(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	if len(messages) > 0 {
		c.calls = append(c.calls, messages[len(messages)-1])
	}
	i := c.n
	c.n++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, fmt.Errorf("unexpected call %d", i)
	}
	return &llm.Completion{Text: c.responses[i]}, nil
}

func TestParseKeyPoints(t *testing.T) {
	tt := map[string]struct {
		raw  string
		want string
	}{
		"standard header": {
			raw:  "Some preamble\n\n**Key Points**:\n  1. Open the site\n   2. Filter by highest",
			want: "\n1. Open the site\n2. Filter by highest",
		},
		"plain header": {
			raw:  "Key Points:\n 1. Open the site",
			want: "\n1. Open the site",
		},
		"no header passes through": {
			raw:  "1. Open the site",
			want: "1. Open the site",
		},
		"newline after the header is kept": {
			raw:  "**Key Points**:\n1. A\n2. B",
			want: "\n1. A\n2. B",
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseKeyPoints(tc.raw))
		})
	}
}

func TestParseScreenshotResponse(t *testing.T) {
	tt := map[string]struct {
		response    string
		wantScore   int
		wantThought string
	}{
		"well formed": {
			response:    "1. **Reasoning**: The page shows the applied\nfilter.\n\nExtra paragraph.\n2. **Score**: 4",
			wantScore:   4,
			wantThought: "The page shows the applied filter.",
		},
		"score only": {
			response:  "Score: 5",
			wantScore: 5,
		},
		"no score marker": {
			response:  "The image shows a login form.",
			wantScore: 0,
		},
		"score without digit": {
			response:  "Score: none",
			wantScore: 0,
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			score, thought := ParseScreenshotResponse(tc.response)
			assert.Equal(t, tc.wantScore, score)
			assert.Equal(t, tc.wantThought, thought)
		})
	}
}

func TestVerdictSuccess(t *testing.T) {
	tt := map[string]struct {
		judgement   string
		wantSuccess bool
		expectErr   bool
	}{
		"success": {
			judgement:   "Thoughts: all key points met\nStatus: \"success\"",
			wantSuccess: true,
		},
		"failure": {
			judgement:   "Thoughts: filter missing\nStatus: \"failure\"",
			wantSuccess: false,
		},
		"case insensitive": {
			judgement:   "STATUS: SUCCESS",
			wantSuccess: true,
		},
		"only the first status line counts": {
			judgement:   "Status: \"failure\"\nNote: a retry could reach Status: \"success\"",
			wantSuccess: false,
		},
		"success before a second status line": {
			judgement:   "Status: \"success\"\nPrevious attempt Status: \"failure\"",
			wantSuccess: true,
		},
		"missing status line": {
			judgement: "the agent did well",
			expectErr: true,
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			success, err := VerdictSuccess(tc.judgement)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSuccess, success)
		})
	}
}

func writeScreenshot(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte{0x89, 0x50, 0x4e, 0x47}, 0o644))
	return path
}

func TestMind2WebEvaluate(t *testing.T) {
	dir := t.TempDir()
	shot1 := writeScreenshot(t, dir, "step_0.png")
	shot2 := writeScreenshot(t, dir, "step_1.png")

	client := &scriptedClient{responses: []string{
		"**Key Points**:\n1. Filter by highest",
		"**Reasoning**: Relevant filter applied.\n\n**Score**: 4",
		"**Reasoning**: Blank page.\n\n**Score**: 1",
		"Thoughts: key point satisfied\nStatus: \"success\"",
	}}

	j := NewMind2WebJudge(client, 3)
	eval, err := j.Evaluate(context.Background(), "t1", "Sort items by highest price", []string{"opened site", "applied filter"}, []string{shot1, shot2})
	require.NoError(t, err)

	assert.True(t, eval.Success)
	assert.Equal(t, 1.0, eval.Score)
	assert.Contains(t, eval.Judgement, "success")

	// the verdict prompt must carry the numbered action history and
	// only the screenshot that passed the threshold
	final := client.calls[len(client.calls)-1]
	text := final.Content[0].Text
	assert.Contains(t, text, "1. opened site")
	assert.Contains(t, text, "2. applied filter")
	images := 0
	for _, part := range final.Content {
		if part.ImageURL != "" {
			images++
		}
	}
	assert.Equal(t, 1, images)
}

func TestMind2WebEvaluateNoQualifyingImages(t *testing.T) {
	dir := t.TempDir()
	shot := writeScreenshot(t, dir, "step_0.png")

	client := &scriptedClient{responses: []string{
		"**Key Points**:\n1. Log in",
		"**Reasoning**: Nothing useful.\n\n**Score**: 1",
		"Thoughts: nothing achieved\nStatus: \"failure\"",
	}}

	j := NewMind2WebJudge(client, 3)
	eval, err := j.Evaluate(context.Background(), "t1", "Log in", []string{"clicked"}, []string{shot})
	require.NoError(t, err)

	assert.False(t, eval.Success)
	assert.Equal(t, 0.0, eval.Score)

	// text-only fallback prompt has no snapshot section
	final := client.calls[len(client.calls)-1]
	assert.NotContains(t, final.Content[0].Text, "snapshots of the webpage")
	assert.Len(t, final.Content, 1)
}

func TestMind2WebEvaluateRetries(t *testing.T) {
	client := &scriptedClient{
		errs: []error{fmt.Errorf("transient")},
		responses: []string{
			"", // consumed by the failed attempt
			"**Key Points**:\n1. Log in",
			"Thoughts: ok\nStatus: \"success\"",
		},
	}

	j := NewMind2WebJudge(client, 3)
	eval, err := j.Evaluate(context.Background(), "t1", "Log in", nil, nil)
	require.NoError(t, err)
	assert.True(t, eval.Success)
}

func TestMind2WebEvaluateExhaustsRetries(t *testing.T) {
	client := &scriptedClient{errs: []error{
		fmt.Errorf("boom"), fmt.Errorf("boom"), fmt.Errorf("boom"),
	}}

	j := NewMind2WebJudge(client, 3)
	_, err := j.Evaluate(context.Background(), "t1", "Log in", nil, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "after 3 attempts"))
}
