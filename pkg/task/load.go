package task

import (
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// knownFields lists the attributes that map onto the fixed record;
// anything else lands in Extra.
var knownFields = map[string]struct{}{
	"task_id":          {},
	"confirmed_task":   {},
	"website":          {},
	"reference_length": {},
	"level":            {},
	"cluster_id":       {},
	"login_cookie":     {},
	"login_type":       {},
	"category":         {},
	"output_schema":    {},
	"auth_keys":        {},
}

// Parse builds a Task from one raw attribute map, as returned by the
// tracking backend's task-list endpoint.
func Parse(raw map[string]any) (*Task, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode task attributes: %w", err)
	}

	t := &Task{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode task attributes: %w", err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	for k, v := range raw {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = v
	}

	return t, nil
}

// ParseList builds Tasks from a raw task list, failing on the first
// invalid entry so a malformed benchmark is caught up front.
func ParseList(rawTasks []map[string]any) ([]*Task, error) {
	tasks := make([]*Task, 0, len(rawTasks))
	for i, raw := range rawTasks {
		t, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse task[%d]: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Read parses a YAML or JSON task list.
func Read(data []byte) ([]*Task, error) {
	var rawTasks []map[string]any
	if err := yaml.Unmarshal(data, &rawTasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task list: %w", err)
	}

	return ParseList(rawTasks)
}

// FromFile loads a task list from a YAML or JSON file, for offline runs
// that don't fetch the benchmark from the tracking backend.
func FromFile(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s' for task list: %w", path, err)
	}

	return Read(data)
}
