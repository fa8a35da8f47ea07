package judge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/webeval/webeval/pkg/llm"
)

const (
	// maxVerdictImages caps how many screenshots reach the final
	// verdict call.
	maxVerdictImages = 5
	// defaultScoreThreshold keeps screenshots scored at or above this
	// value.
	defaultScoreThreshold = 3
	defaultMaxRetries     = 3
)

// ScreenshotScore is the per-screenshot judgement produced while
// filtering the trajectory.
type ScreenshotScore struct {
	Response string `json:"Response"`
	Score    int    `json:"Score"`
}

// Mind2WebJudge scores a trajectory with the Online-Mind2Web protocol:
// extract key points from the task, score each screenshot for
// relevance, then ask for a final verdict over the best evidence.
type Mind2WebJudge struct {
	client         llm.Client
	scoreThreshold int
	maxRetries     int
}

// NewMind2WebJudge creates a judge with the given screenshot relevance
// threshold. A non-positive threshold selects the default.
func NewMind2WebJudge(client llm.Client, scoreThreshold int) *Mind2WebJudge {
	if scoreThreshold <= 0 {
		scoreThreshold = defaultScoreThreshold
	}
	return &Mind2WebJudge{
		client:         client,
		scoreThreshold: scoreThreshold,
		maxRetries:     defaultMaxRetries,
	}
}

// IdentifyKeyPoints asks the model for the task's explicit key points.
func (j *Mind2WebJudge) IdentifyKeyPoints(ctx context.Context, taskText string) (string, error) {
	var buf bytes.Buffer
	if err := keyPointsUserPrompt.Execute(&buf, map[string]string{"Task": taskText}); err != nil {
		return "", fmt.Errorf("failed to render key points prompt: %w", err)
	}

	completion, err := j.client.Invoke(ctx, []llm.Message{
		llm.TextMessage(llm.RoleSystem, keyPointsSystemPrompt),
		llm.TextMessage(llm.RoleUser, buf.String()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to identify key points: %w", err)
	}

	return ParseKeyPoints(completion.Text), nil
}

// ParseKeyPoints strips the response header and per-line indentation
// from a key points completion.
func ParseKeyPoints(raw string) string {
	text := strings.ReplaceAll(raw, "\n\n", "\n")

	if _, after, found := strings.Cut(text, "**Key Points**:"); found {
		text = after
	} else if idx := strings.LastIndex(text, "Key Points:"); idx >= 0 {
		text = text[idx+len("Key Points:"):]
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// JudgeScreenshot asks the model whether one screenshot shows evidence
// relevant to completing the task.
func (j *Mind2WebJudge) JudgeScreenshot(ctx context.Context, taskText, imagePath, keyPoints string) (string, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read screenshot %s: %w", imagePath, err)
	}

	var buf bytes.Buffer
	if err := screenshotUserPrompt.Execute(&buf, map[string]string{
		"Task":      taskText,
		"KeyPoints": keyPoints,
	}); err != nil {
		return "", fmt.Errorf("failed to render screenshot prompt: %w", err)
	}

	completion, err := j.client.Invoke(ctx, []llm.Message{
		llm.TextMessage(llm.RoleSystem, screenshotSystemPrompt),
		{Role: llm.RoleUser, Content: []llm.ContentPart{
			llm.TextPart(buf.String()),
			llm.ImagePart(imageData),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to judge screenshot: %w", err)
	}

	return completion.Text, nil
}

var scorePattern = regexp.MustCompile(`[1-5]`)

// ParseScreenshotResponse extracts the numeric score and the reasoning
// summary from a screenshot judgement. Unparseable responses score 0.
func ParseScreenshotResponse(response string) (score int, thought string) {
	_, after, found := strings.Cut(response, "Score")
	if !found {
		return 0, ""
	}

	match := scorePattern.FindString(after)
	if match == "" {
		return 0, ""
	}
	score, _ = strconv.Atoi(match)

	if idx := strings.LastIndex(response, "**Reasoning**:"); idx >= 0 {
		reasoning := strings.TrimLeft(strings.TrimSpace(response[idx+len("**Reasoning**:"):]), "\n")
		if para, _, _ := strings.Cut(reasoning, "\n\n"); para != "" {
			thought = strings.ReplaceAll(para, "\n", " ")
		}
	}
	return score, thought
}

// Evaluate runs the full protocol against a trajectory and returns the
// final verdict. The evidence-gathering phase is retried with
// exponential backoff.
func (j *Mind2WebJudge) Evaluate(ctx context.Context, taskID, taskText string, actions []string, screenshots []string) (*Evaluation, error) {
	var messages []llm.Message
	var lastErr error

	backoff := time.Second
	for attempt := 1; attempt <= j.maxRetries; attempt++ {
		messages, lastErr = j.buildVerdictMessages(ctx, taskText, actions, screenshots)
		if lastErr == nil {
			break
		}
		if attempt == j.maxRetries {
			slog.Error("evaluation failed after all retries", "taskId", taskID, "attempts", j.maxRetries, "error", lastErr)
			return nil, fmt.Errorf("evaluation failed after %d attempts: %w", j.maxRetries, lastErr)
		}
		slog.Warn("evaluation attempt failed, retrying", "taskId", taskID, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	completion, err := j.client.Invoke(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain verdict: %w", err)
	}
	judgement := completion.Text

	success, err := VerdictSuccess(judgement)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{TaskID: taskID, Judgement: judgement, Success: success}
	if success {
		eval.Score = 1.0
	}
	return eval, nil
}

// VerdictSuccess applies the official success criterion: the text
// between the first "Status:" marker and the next one, lowercased, must
// contain "success".
func VerdictSuccess(judgement string) (bool, error) {
	_, after, found := strings.Cut(strings.ToLower(judgement), "status:")
	if !found {
		return false, fmt.Errorf("verdict has no status line: %q", judgement)
	}
	segment, _, _ := strings.Cut(after, "status:")
	return strings.Contains(segment, "success"), nil
}

func (j *Mind2WebJudge) buildVerdictMessages(ctx context.Context, taskText string, actions []string, screenshots []string) ([]llm.Message, error) {
	keyPoints, err := j.IdentifyKeyPoints(ctx, taskText)
	if err != nil {
		return nil, err
	}

	var evidence []llm.ContentPart
	var thoughts []string
	for _, imagePath := range screenshots {
		response, err := j.JudgeScreenshot(ctx, taskText, imagePath, keyPoints)
		if err != nil {
			return nil, err
		}

		score, thought := ParseScreenshotResponse(response)
		if score < j.scoreThreshold {
			continue
		}
		if len(evidence) >= maxVerdictImages {
			break
		}

		imageData, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read screenshot %s: %w", imagePath, err)
		}
		evidence = append(evidence, llm.ImagePart(imageData))
		if thought != "" && len(thoughts) < maxVerdictImages {
			thoughts = append(thoughts, thought)
		}
	}

	numberedActions := make([]string, 0, len(actions))
	for i, action := range actions {
		numberedActions = append(numberedActions, fmt.Sprintf("%d. %s", i+1, action))
	}
	numberedThoughts := make([]string, 0, len(thoughts))
	for i, thought := range thoughts {
		numberedThoughts = append(numberedThoughts, fmt.Sprintf("%d. %s", i+1, thought))
	}

	data := map[string]string{
		"Task":      taskText,
		"KeyPoints": keyPoints,
		"Actions":   strings.Join(numberedActions, "\n"),
		"Thoughts":  strings.Join(numberedThoughts, "\n"),
	}

	prompt := verdictUserPrompt
	if len(evidence) == 0 {
		prompt = verdictUserPromptNoImages
	}
	var buf bytes.Buffer
	if err := prompt.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render verdict prompt: %w", err)
	}

	user := llm.Message{Role: llm.RoleUser, Content: append([]llm.ContentPart{llm.TextPart(buf.String())}, evidence...)}
	return []llm.Message{
		llm.TextMessage(llm.RoleSystem, verdictSystemPrompt),
		user,
	}, nil
}
