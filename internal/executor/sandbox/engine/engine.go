// Package engine runs a single step inside an isolated, resource-limited process.
package engine

import (
	"context"
	"path/filepath"
	"strings"

	"runbox/internal/executor/sandbox/result"
	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
)

// Engine executes one step inside an isolated sandbox rooted at workDir.
// A non-zero exit is reported in the result, not as an error.
type Engine interface {
	Run(ctx context.Context, step spec.Step, limits spec.ResourceLimits, workDir string) (result.ExecutionResult, error)
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

func validateStep(step spec.Step, workDir string) error {
	if workDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if step.Command == "" {
		return appErr.ValidationError("command", "required")
	}
	if _, err := relativeDir(step.WorkingDir); err != nil {
		return err
	}
	return nil
}

// relativeDir cleans a step working directory and rejects anything outside the scoped dir.
func relativeDir(dir string) (string, error) {
	if dir == "" {
		return ".", nil
	}
	if filepath.IsAbs(dir) {
		return "", appErr.ValidationError("working_dir", "must be relative")
	}
	clean := filepath.Clean(dir)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.ValidationError("working_dir", "escapes work dir")
	}
	return clean, nil
}

// buildEnv returns the step environment with HOME and TMPDIR pinned to the scoped dir.
func buildEnv(stepEnv []string, sandboxDir string) []string {
	env := []string{
		"PATH=" + defaultPath,
		"LANG=C.UTF-8",
	}
	for _, kv := range stepEnv {
		if strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "TMPDIR=") {
			continue
		}
		env = setEnv(env, kv)
	}
	env = append(env, "HOME="+sandboxDir, "TMPDIR="+sandboxDir)
	return env
}

func setEnv(env []string, kv string) []string {
	key, _, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return env
	}
	for i, existing := range env {
		if strings.HasPrefix(existing, key+"=") {
			env[i] = kv
			return env
		}
	}
	return append(env, kv)
}
