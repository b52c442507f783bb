// Package observer defines logging and metrics hooks for sandbox execution.
package observer

import (
	"context"

	"runbox/internal/executor/sandbox/result"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, res result.ExecutionResult)
	ObserveRun(ctx context.Context, languageID string, state string, res result.ExecutionResult)
	ObserveRejected(ctx context.Context, languageID string)
	ObserveInFlight(delta int)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, res result.ExecutionResult) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, languageID string, state string, res result.ExecutionResult) {
}

func (NoopMetricsRecorder) ObserveRejected(ctx context.Context, languageID string) {}

func (NoopMetricsRecorder) ObserveInFlight(delta int) {}
