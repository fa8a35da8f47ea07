package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/webeval/webeval/pkg/task"
)

// Launcher prepares a browser session for a task.
type Launcher interface {
	Launch(ctx context.Context, t *task.Task, taskDir string, cfg Config) (Session, error)
}

type launcher struct {
	provisioner Provisioner
}

var _ Launcher = &launcher{}

// NewLauncher creates a Launcher. provisioner may be nil when the
// "provisioner" backend is not available.
func NewLauncher(provisioner Provisioner) Launcher {
	return &launcher{provisioner: provisioner}
}

func (l *launcher) Launch(ctx context.Context, t *task.Task, taskDir string, cfg Config) (Session, error) {
	switch cfg.Backend {
	case BackendLocal, BackendProvisioner, BackendCDP:
	default:
		slog.Warn("invalid browser backend, falling back to local", "backend", cfg.Backend, "taskId", t.TaskID)
		cfg.Backend = BackendLocal
	}

	if t.IsLoginTask() {
		if err := prepareLoginProfile(&cfg, taskDir); err != nil {
			return nil, err
		}
		slog.Debug("login task configured to persist cookies", "taskId", t.TaskID, "storageState", cfg.StorageStatePath)
	}

	cdpURL := ""
	switch cfg.Backend {
	case BackendProvisioner:
		if l.provisioner == nil {
			slog.Warn("provisioner backend requested but no provisioner configured, using local browser", "taskId", t.TaskID)
			break
		}
		url, err := l.provisioner.CreateSession(ctx, cfg.Headless)
		if err != nil {
			slog.Error("failed to provision remote browser, falling back to local", "taskId", t.TaskID, "error", err)
			break
		}
		cdpURL = url
	case BackendCDP:
		if cfg.CDPURL == "" {
			slog.Warn("cdp backend requested but no CDP URL configured, using local browser", "taskId", t.TaskID)
			break
		}
		cdpURL = cfg.CDPURL
	}

	var session Session
	if cdpURL != "" {
		session = NewRemoteSession(cfg, cdpURL)
	} else {
		session = NewLocalSession(cfg)
	}

	if err := session.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser session for task %s: %w", t.TaskID, err)
	}

	slog.Debug("browser session ready", "taskId", t.TaskID)
	return session, nil
}

func prepareLoginProfile(cfg *Config, taskDir string) error {
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("failed to create task folder %s: %w", taskDir, err)
	}

	if cfg.StorageStatePath == "" {
		cfg.StorageStatePath = filepath.Join(taskDir, "storage_state.json")
	}
	if err := SeedStorageState(cfg.StorageStatePath); err != nil {
		return err
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(taskDir, "downloads")
	}
	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create downloads folder %s: %w", cfg.DownloadsDir, err)
	}

	return nil
}
