package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/webeval/webeval/pkg/task"
)

// SearchFunc performs a web search and returns its result as an action
// outcome.
type SearchFunc func(ctx context.Context, query string) (*ActionResult, error)

// Action is an extra capability exposed to the agent beyond the
// backend's default set.
type Action struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args map[string]any) (*ActionResult, error)
}

// Registry collects extra actions for a run and names default actions
// that must be disabled.
type Registry struct {
	actions  []Action
	excluded []string
}

// NewRegistry creates an empty registry: the backend's default actions,
// nothing disabled.
func NewRegistry() *Registry {
	return &Registry{}
}

// Actions returns the registered extra actions.
func (r *Registry) Actions() []Action {
	return r.actions
}

// Excluded returns the default action names disabled for this run.
func (r *Registry) Excluded() []string {
	return r.excluded
}

// WithWebSearch replaces the backend's default google search with the
// given search function.
func (r *Registry) WithWebSearch(search SearchFunc) *Registry {
	r.excluded = append(r.excluded, "search_google")
	r.actions = append(r.actions, Action{
		Name:        "search_web",
		Description: "Search the web for a specific query",
		Run: func(ctx context.Context, args map[string]any) (*ActionResult, error) {
			query, _ := args["query"].(string)
			return search(ctx, query)
		},
	})
	return r
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// WithEmailCodes wires two-factor code retrieval when the task text
// contains an email address whose local part has an access token in
// tokens. Without a match the registry is returned unchanged.
func (r *Registry) WithEmailCodes(tokens map[string]string, t *task.Task, fetch func(ctx context.Context, accessToken string) (string, error)) *Registry {
	if len(tokens) == 0 || t == nil {
		slog.Info("no email tokens provided, running without email integration")
		return r
	}

	email := emailPattern.FindString(t.ConfirmedTask)
	if email == "" {
		slog.Info("no email found in task, running without email integration", "taskId", t.TaskID)
		return r
	}

	userID := strings.SplitN(email, "@", 2)[0]
	accessToken, ok := tokens[userID]
	if !ok {
		slog.Info("no email token found for user, running without email integration", "user", userID)
		return r
	}

	slog.Info("email code integration registered", "user", userID)
	r.actions = append(r.actions, Action{
		Name:        "get_email_code",
		Description: "Retrieve the most recent verification code from the user's email inbox",
		Run: func(ctx context.Context, args map[string]any) (*ActionResult, error) {
			code, err := fetch(ctx, accessToken)
			if err != nil {
				return &ActionResult{Error: fmt.Sprintf("failed to fetch email code: %v", err)}, nil
			}
			return &ActionResult{ExtractedContent: code}, nil
		},
	})
	return r
}

var serperEndpoint = "https://google.serper.dev/search"

// SerperSearch builds a SearchFunc backed by the Serper API. With an
// empty key it reports search as unavailable instead of failing the
// action.
func SerperSearch(apiKey string) SearchFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, query string) (*ActionResult, error) {
		if apiKey == "" {
			return &ActionResult{ExtractedContent: "Search unavailable: search API key not configured"}, nil
		}

		payload, err := json.Marshal(map[string]string{"q": query})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal search query: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serperEndpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create search request: %w", err)
		}
		req.Header.Set("X-API-KEY", apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			slog.Error("web search failed", "query", query, "error", err)
			return &ActionResult{Error: fmt.Sprintf("Search error: %v", err)}, nil
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &ActionResult{Error: fmt.Sprintf("Search error: %v", err)}, nil
		}

		var results map[string]any
		if err := json.Unmarshal(body, &results); err != nil {
			return &ActionResult{Error: fmt.Sprintf("Search error: %v", err)}, nil
		}

		// searchParameters and credits are metadata noise for the agent
		delete(results, "searchParameters")
		delete(results, "credits")

		content, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal search results: %w", err)
		}

		slog.Debug("web search completed", "query", query)
		return &ActionResult{ExtractedContent: string(content)}, nil
	}
}
