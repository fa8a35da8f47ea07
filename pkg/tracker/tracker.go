package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/webeval/webeval/pkg/task"
)

// ErrorKind classifies a tracking server failure.
type ErrorKind string

const (
	// ErrKindRequest covers transport failures before a response.
	ErrKindRequest ErrorKind = "request"
	// ErrKindHTTP covers non-2xx responses.
	ErrKindHTTP ErrorKind = "http"
	// ErrKindDecode covers unparseable response bodies.
	ErrKindDecode ErrorKind = "decode"
	// ErrKindNotFound covers resources the server reports as absent.
	ErrKindNotFound ErrorKind = "notfound"
)

// Error is a typed tracking server failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracking server %s error: %s", e.Kind, e.Detail)
}

// IsNotFound reports whether err is a tracker not-found error.
func IsNotFound(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == ErrKindNotFound
}

// Client talks to the remote run-tracking server.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a tracking client. Both the URL and the secret key
// are required.
func NewClient(baseURL, secretKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("a tracking server URL must be provided")
	}
	if secretKey == "" {
		return nil, fmt.Errorf("a tracking server secret key must be provided")
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) ([]byte, *Error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: ErrKindRequest, Detail: fmt.Sprintf("failed to marshal payload: %v", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrKindRequest, Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindRequest, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrKindDecode, Detail: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: ErrKindNotFound, Detail: string(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: ErrKindHTTP, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, string(data))}
	}

	return data, nil
}

// FetchTasks retrieves a named test case as a list of tasks.
func (c *Client) FetchTasks(ctx context.Context, testCaseName string) ([]*task.Task, error) {
	slog.Info("fetching test case from tracking server", "testCase", testCaseName)

	data, terr := c.post(ctx, "/api/getTestCase", map[string]string{"name": testCaseName}, 0)
	if terr != nil {
		return nil, fmt.Errorf("failed to fetch test case %q: %w", testCaseName, terr)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch test case %q: %w", testCaseName,
			&Error{Kind: ErrKindDecode, Detail: err.Error()})
	}

	tasks, err := task.ParseList(raw)
	if err != nil {
		return nil, fmt.Errorf("test case %q contains an invalid task: %w", testCaseName, err)
	}

	slog.Info("fetched test case", "testCase", testCaseName, "tasks", len(tasks))
	return tasks, nil
}

// FetchAuthDistribution retrieves an available credential distribution.
// A tracker not-found error means none is available.
func (c *Client) FetchAuthDistribution(ctx context.Context) (*task.AuthDistribution, error) {
	data, terr := c.post(ctx, "/api/getAuthDistribution", map[string]any{}, 0)
	if terr != nil {
		if terr.Kind == ErrKindNotFound {
			slog.Warn("no available auth distribution found on server")
		}
		return nil, fmt.Errorf("failed to fetch auth distribution: %w", terr)
	}

	var dist task.AuthDistribution
	if err := json.Unmarshal(data, &dist); err != nil {
		return nil, fmt.Errorf("failed to fetch auth distribution: %w",
			&Error{Kind: ErrKindDecode, Detail: err.Error()})
	}
	if dist.ID == "" || dist.LoginInfo == nil {
		return nil, fmt.Errorf("failed to fetch auth distribution: %w",
			&Error{Kind: ErrKindDecode, Detail: "response missing id or loginInfo"})
	}

	return &dist, nil
}

// GitInfo identifies the code under evaluation.
type GitInfo struct {
	Branch    string `json:"gitBranch"`
	Hash      string `json:"gitCommitHash"`
	Timestamp int64  `json:"gitCommitTimestamp"`
	Repo      string `json:"gitRepo"`
}

// RunDetails describes a new evaluation run.
type RunDetails struct {
	Model          string         `json:"model"`
	Git            GitInfo        `json:"-"`
	UserMessage    string         `json:"userMessage,omitempty"`
	EvalGroup      string         `json:"evalGroup,omitempty"`
	DeveloperID    string         `json:"developerId,omitempty"`
	TotalTasks     int            `json:"totalTasks"`
	TestCaseName   string         `json:"testCaseName"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// StartRun registers a new run and returns its ID. When existingRunID
// is set, the server attaches results to that run instead of minting a
// new one.
func (c *Client) StartRun(ctx context.Context, details RunDetails, existingRunID string) (string, error) {
	payload := map[string]any{
		"model":              details.Model,
		"gitBranch":          details.Git.Branch,
		"gitCommitHash":      details.Git.Hash,
		"gitCommitTimestamp": details.Git.Timestamp,
		"gitRepo":            details.Git.Repo,
		"userMessage":        details.UserMessage,
		"evalGroup":          details.EvalGroup,
		"developerId":        details.DeveloperID,
		"totalTasks":         details.TotalTasks,
		"testCaseName":       details.TestCaseName,
		"additionalData":     details.AdditionalData,
	}
	if existingRunID != "" {
		payload["runId"] = existingRunID
	}

	slog.Info("starting run on tracking server", "testCase", details.TestCaseName, "totalTasks", details.TotalTasks)

	data, terr := c.post(ctx, "/api/startRun", payload, 0)
	if terr != nil {
		return "", fmt.Errorf("failed to start run: %w", terr)
	}

	var resp struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to start run: %w", &Error{Kind: ErrKindDecode, Detail: err.Error()})
	}
	if resp.RunID == "" {
		return "", fmt.Errorf("failed to start run: %w", &Error{Kind: ErrKindDecode, Detail: "runId not found in startRun response"})
	}

	slog.Info("successfully started run", "runId", resp.RunID)
	return resp.RunID, nil
}

// SaveTaskResult uploads one task's result payload. The payload must
// carry a non-empty runId.
func (c *Client) SaveTaskResult(ctx context.Context, payload map[string]any) error {
	runID, _ := payload["runId"].(string)
	if runID == "" {
		return fmt.Errorf("failed to save task result: %w",
			&Error{Kind: ErrKindRequest, Detail: "runId is missing or empty"})
	}

	data, terr := c.post(ctx, "/api/saveTaskResult", payload, 0)
	if terr != nil {
		return fmt.Errorf("failed to save task result: %w", terr)
	}

	var resp struct {
		Message  string `json:"message"`
		ResultID string `json:"resultId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to save task result: %w", &Error{Kind: ErrKindDecode, Detail: err.Error()})
	}

	slog.Info("successfully saved task result", "message", resp.Message, "resultId", resp.ResultID)
	return nil
}

// Progress is a runner heartbeat for one task.
type Progress struct {
	RunID               string `json:"runId"`
	RunnerID            string `json:"runnerId"`
	TaskID              string `json:"taskId"`
	CurrentStage        string `json:"currentStage"`
	Status              string `json:"status"`
	GithubWorkflowURL   string `json:"githubWorkflowUrl,omitempty"`
	GithubWorkflowRunID string `json:"githubWorkflowRunId,omitempty"`
	AssignedTaskRange   string `json:"assignedTaskRange,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// progressTimeout keeps heartbeat posts from stalling the pipeline.
const progressTimeout = 10 * time.Second

// SaveProgress uploads a runner heartbeat. Failures are soft: callers
// log and move on.
func (c *Client) SaveProgress(ctx context.Context, p Progress) error {
	if _, terr := c.post(ctx, "/api/saveRunnerProgress", p, progressTimeout); terr != nil {
		return fmt.Errorf("failed to save runner progress: %w", terr)
	}
	slog.Debug("saved runner progress", "runnerId", p.RunnerID, "taskId", p.TaskID, "stage", p.CurrentStage)
	return nil
}

// RunnerID derives the progress-tracking runner ID. CI runs reuse the
// workflow run ID plus the batch start index; local runs fall back to a
// timestamped ID.
func RunnerID(now time.Time) string {
	if githubRunID := os.Getenv("GITHUB_RUN_ID"); githubRunID != "" {
		startIndex := os.Getenv("EVAL_START_INDEX")
		if startIndex == "" {
			startIndex = "0"
		}
		return fmt.Sprintf("github_run_%s_batch_%s", githubRunID, startIndex)
	}
	return fmt.Sprintf("local_run_%d", now.Unix())
}

// WorkflowRunID extracts the numeric run ID from a GitHub workflow URL,
// or "" when absent.
func WorkflowRunID(workflowURL string) string {
	const marker = "actions/runs/"
	_, rest, found := strings.Cut(workflowURL, marker)
	if !found {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
