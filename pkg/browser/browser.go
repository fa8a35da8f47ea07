package browser

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Cookie is a single browser cookie as persisted in a storage state or
// cookies file.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Backend selects how a browser session is obtained.
const (
	BackendLocal       = "local"
	BackendProvisioner = "provisioner"
	BackendCDP         = "cdp"
)

// Config controls how a session is launched for a task.
type Config struct {
	Headless          bool
	HighlightElements bool
	// Backend is one of "local", "provisioner" or "cdp". Anything else
	// falls back to local with a warning.
	Backend string
	// CDPURL is the DevTools endpoint used when Backend is "cdp".
	CDPURL string
	// StorageStatePath, when set, points at the JSON file the browser
	// persists cookies to. Login tasks always get one.
	StorageStatePath string
	// DownloadsDir receives files the agent downloads during the run.
	DownloadsDir string
	// ExecutablePath overrides the chromium binary used for local
	// sessions.
	ExecutablePath string
}

// Session is a running browser the agent can drive.
type Session interface {
	// Start makes the session usable. Calling Start twice is an error.
	Start(ctx context.Context) error
	// GetCookies returns the cookies currently persisted by the session.
	GetCookies(ctx context.Context) ([]Cookie, error)
	// CDPURL returns the DevTools endpoint the agent connects to.
	CDPURL() string
	// Kill tears the session down. It is idempotent.
	Kill(ctx context.Context) error
}

// localSession launches a chromium process with remote debugging enabled
// and parses the DevTools endpoint from its stderr.
type localSession struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	cdpURL string
	killed bool
}

var _ Session = &localSession{}

// NewLocalSession creates a session backed by a locally launched
// chromium process.
func NewLocalSession(cfg Config) Session {
	return &localSession{cfg: cfg}
}

func (s *localSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("browser session already started")
	}

	bin := s.cfg.ExecutablePath
	if bin == "" {
		bin = "chromium"
	}

	args := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		// running in containers
		"--no-sandbox",
	}
	if s.cfg.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open browser stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch browser %q: %w", bin, err)
	}
	s.cmd = cmd

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, "DevTools listening on ") {
				urlCh <- strings.TrimSpace(strings.TrimPrefix(line, "DevTools listening on "))
				break
			}
		}
		// drain so the process does not block on a full pipe
		for scanner.Scan() {
		}
	}()

	select {
	case s.cdpURL = <-urlCh:
		slog.Debug("local browser started", "cdpUrl", s.cdpURL)
		return nil
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		return fmt.Errorf("timed out waiting for browser DevTools endpoint")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}

func (s *localSession) GetCookies(ctx context.Context) ([]Cookie, error) {
	if s.cfg.StorageStatePath == "" {
		return nil, nil
	}
	return ReadStorageState(s.cfg.StorageStatePath)
}

func (s *localSession) CDPURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cdpURL
}

func (s *localSession) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killed || s.cmd == nil {
		s.killed = true
		return nil
	}
	s.killed = true

	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill browser process: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser process did not exit: %w", ctx.Err())
	}
}

// remoteSession wraps an already provisioned CDP endpoint. Killing it
// disconnects but leaves teardown to the provisioning service.
type remoteSession struct {
	cfg    Config
	cdpURL string

	mu      sync.Mutex
	started bool
	killed  bool
}

var _ Session = &remoteSession{}

// NewRemoteSession creates a session attached to an external CDP
// endpoint.
func NewRemoteSession(cfg Config, cdpURL string) Session {
	return &remoteSession{cfg: cfg, cdpURL: cdpURL}
}

func (s *remoteSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("browser session already started")
	}
	if s.cdpURL == "" {
		return fmt.Errorf("remote browser session requires a CDP URL")
	}
	s.started = true
	return nil
}

func (s *remoteSession) GetCookies(ctx context.Context) ([]Cookie, error) {
	if s.cfg.StorageStatePath == "" {
		return nil, nil
	}
	return ReadStorageState(s.cfg.StorageStatePath)
}

func (s *remoteSession) CDPURL() string {
	return s.cdpURL
}

func (s *remoteSession) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return nil
}

// cleanupTimeout bounds how long session teardown may take.
const cleanupTimeout = 30 * time.Second

// CleanupSafe kills the session, logging failures instead of returning
// them. Safe to call with a nil session.
func CleanupSafe(ctx context.Context, session Session) {
	if session == nil {
		return
	}

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := session.Kill(killCtx); err != nil {
		slog.Warn("failed to kill browser session", "error", err)
	}
}
