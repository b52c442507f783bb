package sandbox

import (
	"time"

	"runbox/internal/executor/sandbox/result"
)

// RunRequest is one client request to run source code.
type RunRequest struct {
	// ID is assigned by the dispatcher when empty.
	ID         string
	Language   string
	SourceCode string
	Stdin      string
}

// Outcome is the dispatcher's view of a finished request. Compile and Execute are
// nil when the corresponding step never ran.
type Outcome struct {
	ID         string
	Language   string
	State      State
	Compile    *result.ExecutionResult
	Execute    *result.ExecutionResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the time spent between admission and the final state.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// classify maps an execute step result to a terminal state.
// A memory or file size kill takes precedence over a timeout.
func classify(res result.ExecutionResult) State {
	switch {
	case res.ResourceExceeded():
		return StateResourceExceeded
	case res.TimedOut:
		return StateTimedOut
	case res.ExitCode == 0 && res.Signal == "":
		return StateCompleted
	default:
		return StateRuntimeFailed
	}
}
