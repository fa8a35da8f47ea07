package agent

// ActionResult is the outcome of a single action the agent executed.
type ActionResult struct {
	ExtractedContent string `json:"extracted_content,omitempty"`
	Error            string `json:"error,omitempty"`
	IsDone           bool   `json:"is_done,omitempty"`
	Success          *bool  `json:"success,omitempty"`
}

// ModelOutput is the model's response for one step: the actions it chose
// plus any free-form state it emitted.
type ModelOutput struct {
	Actions      []map[string]any `json:"action,omitempty"`
	CurrentState map[string]any   `json:"current_state,omitempty"`
}

// StepMetadata carries timing and token accounting for one step.
type StepMetadata struct {
	StepStartTime float64 `json:"step_start_time"`
	StepEndTime   float64 `json:"step_end_time"`
	StepNumber    int     `json:"step_number"`
	InputTokens   int     `json:"input_tokens"`
}

// Step is one agent step: what the page looked like, what the model
// decided, and what happened. Screenshot carries the raw PNG bytes,
// transported as base64 in the history JSON.
type Step struct {
	Screenshot  []byte         `json:"screenshot,omitempty"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Results     []ActionResult `json:"results,omitempty"`
	ModelOutput *ModelOutput   `json:"model_output,omitempty"`
	Metadata    *StepMetadata  `json:"metadata,omitempty"`
}

// Usage is the aggregate token usage reported by the agent's model
// client for a full run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// History is the full trajectory of an agent run.
type History struct {
	Steps []Step `json:"steps"`
	Usage *Usage `json:"usage,omitempty"`
}

// FinalResult returns the extracted content of the terminal done action,
// or "" when the run never finished.
func (h *History) FinalResult() string {
	if h == nil || len(h.Steps) == 0 {
		return ""
	}
	last := h.Steps[len(h.Steps)-1]
	for _, r := range last.Results {
		if r.IsDone {
			return r.ExtractedContent
		}
	}
	return ""
}

// IsDone reports whether the agent reached a terminal done action.
func (h *History) IsDone() bool {
	if h == nil || len(h.Steps) == 0 {
		return false
	}
	last := h.Steps[len(h.Steps)-1]
	for _, r := range last.Results {
		if r.IsDone {
			return true
		}
	}
	return false
}

// IsSuccessful returns the agent's own success claim from the done
// action, or nil when the run is not done or the agent did not say.
func (h *History) IsSuccessful() *bool {
	if h == nil || len(h.Steps) == 0 {
		return nil
	}
	last := h.Steps[len(h.Steps)-1]
	for _, r := range last.Results {
		if r.IsDone {
			return r.Success
		}
	}
	return nil
}

// CleanActionDict returns a copy of an action map with nil values
// removed, recursing into nested maps and slices.
func CleanActionDict(action map[string]any) map[string]any {
	if action == nil {
		return nil
	}
	out := make(map[string]any, len(action))
	for k, v := range action {
		if cleaned, keep := cleanValue(v); keep {
			out[k] = cleaned
		}
	}
	return out
}

func cleanValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return CleanActionDict(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if cleaned, keep := cleanValue(item); keep {
				out = append(out, cleaned)
			}
		}
		return out, true
	default:
		return v, true
	}
}
