//go:build !linux

package engine

import (
	"context"

	"runbox/internal/executor/sandbox/result"
	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
)

type stubEngine struct{}

func NewEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, step spec.Step, limits spec.ResourceLimits, workDir string) (result.ExecutionResult, error) {
	return result.ExecutionResult{}, appErr.New(appErr.SandboxError).WithMessage("sandbox engine is only supported on linux")
}
