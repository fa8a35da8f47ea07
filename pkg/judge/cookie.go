package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/webeval/webeval/pkg/browser"
	"github.com/webeval/webeval/pkg/task"
)

// trackingFileName is where per-step cookie tracking lands inside a
// task folder.
const trackingFileName = "login_cookie_tracking.json"

// TrackingRecord records whether the login marker showed up during the
// run, and where. Source distinguishes a live per-step hit from an
// end-of-run check.
type TrackingRecord struct {
	Found      bool   `json:"found"`
	Step       int    `json:"step,omitempty"`
	CookieName string `json:"cookie_name,omitempty"`
	MatchType  string `json:"match_type,omitempty"`
	Source     string `json:"source,omitempty"`
}

// MatchCookie reports whether the marker matches any of the cookies.
// An "EXACTMATCH <name>" marker requires cookie-name equality; anything
// else matches as a substring of a cookie name or value.
func MatchCookie(cookies []browser.Cookie, marker string) (found bool, name string, matchType string) {
	target, exact := task.CookieMarker(marker)

	for _, c := range cookies {
		if exact {
			if c.Name == target {
				return true, c.Name, "exact"
			}
			continue
		}
		if strings.Contains(c.Name, target) || strings.Contains(c.Value, target) {
			return true, c.Name, "substring"
		}
	}
	return false, "", ""
}

// CookieTracker watches a login task's cookies step by step. Each
// pipeline owns its own tracker.
type CookieTracker struct {
	mu      sync.Mutex
	records map[string]TrackingRecord
}

// NewCookieTracker creates an empty tracker.
func NewCookieTracker() *CookieTracker {
	return &CookieTracker{records: make(map[string]TrackingRecord)}
}

// CheckAtStep inspects the session's current cookies for the login
// marker and records the first hit. Lookup failures are logged, never
// propagated.
func (ct *CookieTracker) CheckAtStep(ctx context.Context, session browser.Session, taskID, loginCookie string, step int) bool {
	cookies, err := session.GetCookies(ctx)
	if err != nil {
		slog.Warn("error checking login cookie", "taskId", taskID, "step", step, "error", err)
		return false
	}
	if len(cookies) == 0 {
		slog.Debug("no cookies found", "taskId", taskID, "step", step)
		return false
	}

	found, name, matchType := MatchCookie(cookies, loginCookie)
	if !found {
		slog.Debug("login cookie not found", "taskId", taskID, "step", step, "cookies", len(cookies))
		return false
	}

	slog.Info("login cookie found", "taskId", taskID, "step", step, "matchType", matchType)
	ct.mu.Lock()
	if _, exists := ct.records[taskID]; !exists {
		ct.records[taskID] = TrackingRecord{Found: true, Step: step, CookieName: name, MatchType: matchType, Source: "step"}
	}
	ct.mu.Unlock()
	return true
}

// CheckEndState inspects the session's cookies once after the run and
// records a hit only when no per-step check already did. Runners that
// report their trajectory on exit have no live steps, so the end state
// is the only evidence; the record carries no step number.
func (ct *CookieTracker) CheckEndState(ctx context.Context, session browser.Session, taskID, loginCookie string) bool {
	ct.mu.Lock()
	_, exists := ct.records[taskID]
	ct.mu.Unlock()
	if exists {
		return true
	}

	cookies, err := session.GetCookies(ctx)
	if err != nil {
		slog.Warn("error checking login cookie after run", "taskId", taskID, "error", err)
		return false
	}

	found, name, matchType := MatchCookie(cookies, loginCookie)
	if !found {
		slog.Debug("login cookie not found after run", "taskId", taskID, "cookies", len(cookies))
		return false
	}

	slog.Info("login cookie found in end-of-run cookies", "taskId", taskID, "matchType", matchType)
	ct.mu.Lock()
	if _, exists := ct.records[taskID]; !exists {
		ct.records[taskID] = TrackingRecord{Found: true, CookieName: name, MatchType: matchType, Source: "end_state"}
	}
	ct.mu.Unlock()
	return true
}

// Record returns the tracking record for a task. Tasks never checked
// get a not-found record.
func (ct *CookieTracker) Record(taskID string) TrackingRecord {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.records[taskID]
}

// Save writes the tracking record into the task folder and drops it
// from memory.
func (ct *CookieTracker) Save(taskDir, taskID string) error {
	ct.mu.Lock()
	record := ct.records[taskID]
	delete(ct.records, taskID)
	ct.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookie tracking: %w", err)
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("failed to create task folder: %w", err)
	}
	path := filepath.Join(taskDir, trackingFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Forget drops a task's record without persisting it.
func (ct *CookieTracker) Forget(taskID string) {
	ct.mu.Lock()
	delete(ct.records, taskID)
	ct.mu.Unlock()
}

// EvaluateLoginCookie scores a login task from persisted browser state.
// Step tracking wins when it recorded a hit; otherwise the end-state
// cookies from storage_state.json, then cookies.json, decide.
func EvaluateLoginCookie(loginCookie, taskDir string) *Evaluation {
	taskID := filepath.Base(taskDir)

	if record, ok := loadTracking(taskDir); ok && record.Found {
		slog.Info("cookie evaluation succeeded from run tracking", "taskId", taskID, "loginCookie", loginCookie)
		judgement := fmt.Sprintf("Automatic judgement: Login cookie '%s' was found in end-of-run browser cookies (%s match on '%s')",
			loginCookie, record.MatchType, record.CookieName)
		if record.Step > 0 {
			judgement = fmt.Sprintf("Automatic judgement: Login cookie '%s' was found during step %d (%s match on '%s')",
				loginCookie, record.Step, record.MatchType, record.CookieName)
		}
		return &Evaluation{
			TaskID:       taskID,
			Judgement:    judgement,
			Success:      true,
			Score:        1.0,
			TrackingData: record,
		}
	}

	slog.Info("no step tracking hit, falling back to end-state cookies", "taskId", taskID)

	cookies, source := loadEndStateCookies(taskDir)
	if len(cookies) == 0 {
		return &Evaluation{
			TaskID:    taskID,
			Judgement: "Automatic judgement: No cookies saved for evaluation and no step-by-step tracking",
			Error:     "No cookies file found for login task evaluation and no step-by-step tracking",
		}
	}

	slog.Debug("loaded end-state cookies", "taskId", taskID, "count", len(cookies), "source", source)

	target, exact := task.CookieMarker(loginCookie)
	found, _, _ := MatchCookie(cookies, loginCookie)

	verb := "was found"
	if !found {
		verb = "was NOT found"
	}
	judgement := fmt.Sprintf("Automatic judgement: Login cookie '%s' %s in end-state browser cookies", target, verb)
	if exact {
		judgement = fmt.Sprintf("Automatic judgement: Login cookie '%s' %s as exact match in end-state browser cookies", target, verb)
	}

	slog.Info("cookie evaluation result from end-state", "taskId", taskID, "success", found, "loginCookie", loginCookie)

	eval := &Evaluation{TaskID: taskID, Judgement: judgement, Success: found}
	if found {
		eval.Score = 1.0
	}
	return eval
}

func loadTracking(taskDir string) (*TrackingRecord, bool) {
	data, err := os.ReadFile(filepath.Join(taskDir, trackingFileName))
	if err != nil {
		return nil, false
	}

	var record TrackingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Warn("failed to parse login cookie tracking", "error", err)
		return nil, false
	}
	return &record, true
}

func loadEndStateCookies(taskDir string) ([]browser.Cookie, string) {
	if cookies, err := browser.ReadStorageState(filepath.Join(taskDir, "storage_state.json")); err == nil && len(cookies) > 0 {
		return cookies, "storage_state.json"
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load storage_state.json", "error", err)
	}

	if cookies, err := browser.ReadCookiesFile(filepath.Join(taskDir, "cookies.json")); err == nil && len(cookies) > 0 {
		return cookies, "cookies.json"
	}
	return nil, ""
}
