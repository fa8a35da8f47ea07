package task

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

const exactMatchPrefix = "EXACTMATCH "

// Task is a single evaluation unit: a natural-language instruction for
// the browser agent plus the metadata needed to run and judge it.
// Fields beyond TaskID and ConfirmedTask are optional; unknown
// attributes from the server are preserved in Extra.
type Task struct {
	TaskID        string `json:"task_id"`
	ConfirmedTask string `json:"confirmed_task"`

	Website         string             `json:"website,omitempty"`
	ReferenceLength *int               `json:"reference_length,omitempty"`
	Level           string             `json:"level,omitempty"`
	ClusterID       string             `json:"cluster_id,omitempty"`
	LoginCookie     string             `json:"login_cookie,omitempty"`
	LoginType       string             `json:"login_type,omitempty"`
	Category        string             `json:"category,omitempty"`
	OutputSchema    *jsonschema.Schema `json:"output_schema,omitempty"`
	AuthKeys        []string           `json:"auth_keys,omitempty"`

	// Extra holds any additional server-supplied attributes that are
	// not part of the fixed record. Consumers read them by key instead
	// of reflective attribute access.
	Extra map[string]any `json:"-"`

	mu       sync.Mutex
	resolved *jsonschema.Resolved
}

// New validates the required fields and returns a Task.
func New(taskID, confirmedTask string) (*Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required and cannot be empty")
	}
	if confirmedTask == "" {
		return nil, fmt.Errorf("confirmed_task is required and cannot be empty")
	}

	return &Task{
		TaskID:        taskID,
		ConfirmedTask: confirmedTask,
	}, nil
}

// Validate checks the required fields on an already-constructed Task.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required and cannot be empty")
	}
	if t.ConfirmedTask == "" {
		return fmt.Errorf("confirmed_task is required and cannot be empty")
	}
	return nil
}

// IsLoginTask reports whether this task carries a login-success marker.
func (t *Task) IsLoginTask() bool {
	return t.LoginCookie != ""
}

// NeedsAuth reports whether the task requested credential injection.
func (t *Task) NeedsAuth() bool {
	return len(t.AuthKeys) > 0
}

// CookieMarker splits the login cookie marker into its search target
// and whether exact cookie-name matching was requested via the
// "EXACTMATCH <name>" convention.
func CookieMarker(loginCookie string) (target string, exact bool) {
	if strings.HasPrefix(loginCookie, exactMatchPrefix) {
		return loginCookie[len(exactMatchPrefix):], true
	}
	return loginCookie, false
}

// ResolveOutputSchema resolves the task's structured-output schema.
// The result is cached after the first successful call. This method is
// safe for concurrent use. Returns (nil, nil) when the task has no
// output schema.
func (t *Task) ResolveOutputSchema() (*jsonschema.Resolved, error) {
	if t.OutputSchema == nil {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resolved != nil {
		return t.resolved, nil
	}

	resolved, err := t.OutputSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output schema for task %s: %w", t.TaskID, err)
	}

	t.resolved = resolved
	return resolved, nil
}

// WithInjectedAuthText returns a value copy of t with authText appended
// to the instruction. The original task is never mutated.
func WithInjectedAuthText(t *Task, authText string) *Task {
	out := &Task{
		TaskID:          t.TaskID,
		ConfirmedTask:   t.ConfirmedTask + authText,
		Website:         t.Website,
		ReferenceLength: t.ReferenceLength,
		Level:           t.Level,
		ClusterID:       t.ClusterID,
		LoginCookie:     t.LoginCookie,
		LoginType:       t.LoginType,
		Category:        t.Category,
		OutputSchema:    t.OutputSchema,
	}

	if t.AuthKeys != nil {
		out.AuthKeys = append([]string{}, t.AuthKeys...)
	}

	if t.Extra != nil {
		out.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}

	return out
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(task_id=%s, confirmed_task=%s, website=%s, level=%s, category=%s)",
		t.TaskID, t.ConfirmedTask, t.Website, t.Level, t.Category)
}
