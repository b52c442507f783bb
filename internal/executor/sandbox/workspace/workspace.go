// Package workspace manages the scoped directories steps run in.
package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const dirPrefix = "run-"

// Manager creates scoped directories under a single root.
type Manager struct {
	root string
}

// NewManager ensures root exists and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, appErr.ValidationError("workspace_root", "required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "resolve workspace root failed")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace root failed")
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Create makes a fresh directory for runID. It fails if the directory already exists.
func (m *Manager) Create(runID string) (*Scope, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, appErr.ValidationError("run_id", "invalid")
	}
	dir := filepath.Join(m.root, dirPrefix+runID)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create scoped dir failed")
	}
	return &Scope{Dir: dir}, nil
}

// Sweep removes scoped directories older than olderThan. Zero removes all of them,
// which is only safe before the first request is admitted.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.WorkspaceError, "read workspace root failed")
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		if olderThan > 0 {
			info, err := entry.Info()
			if err != nil || time.Since(info.ModTime()) <= olderThan {
				continue
			}
		}
		if err := removeTree(path); err != nil {
			logger.Warn(context.Background(), "remove stale scoped dir failed", zap.String("dir", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// StartSweepLoop periodically removes scoped directories older than ttl until ctx is done.
func (m *Manager) StartSweepLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := m.Sweep(ttl); err != nil {
					logger.Warn(ctx, "workspace sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info(ctx, "workspace sweep removed stale dirs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Scope is one request's scoped directory.
type Scope struct {
	Dir string

	once       sync.Once
	releaseErr error
}

// Materialize writes the plan files into the scoped directory.
func (s *Scope) Materialize(files []spec.SourceFile) error {
	for _, f := range files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) || f.Name == "." || f.Name == ".." {
			return appErr.ValidationError("file_name", "must be a plain file name").WithDetail("name", f.Name)
		}
		mode := fs.FileMode(f.Mode)
		if mode == 0 {
			mode = 0644
		}
		path := filepath.Join(s.Dir, f.Name)
		if err := os.WriteFile(path, []byte(f.Content), mode); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceError, "write %s failed", f.Name)
		}
	}
	return nil
}

// Release removes the scoped directory. It is safe to call more than once.
func (s *Scope) Release() error {
	s.once.Do(func() {
		if err := removeTree(s.Dir); err != nil {
			s.releaseErr = appErr.Wrapf(err, appErr.WorkspaceError, "remove scoped dir failed")
		}
	})
	return s.releaseErr
}

// removeTree deletes path, restoring owner permissions on directories the
// step may have locked down.
func removeTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if d != nil && d.IsDir() {
			_ = os.Chmod(p, 0700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
