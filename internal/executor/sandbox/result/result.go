// Package result defines execution outcomes reported by the sandbox.
package result

// ExecutionResult is the outcome of running one step.
type ExecutionResult struct {
	Stdout           []byte
	Stderr           []byte
	StdoutTruncated  bool
	StderrTruncated  bool
	ExitCode         int
	Signal           string
	TimedOut         bool
	KilledForMemory  bool
	FileSizeExceeded bool
	CPUTimeMs        int64
	WallTimeMs       int64
	MemoryKB         int64
}

// Succeeded reports whether the step exited cleanly within its limits.
func (r ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0 && r.Signal == "" && !r.TimedOut && !r.KilledForMemory && !r.FileSizeExceeded
}

// ResourceExceeded reports whether the step was stopped by a memory or file size limit.
func (r ExecutionResult) ResourceExceeded() bool {
	return r.KilledForMemory || r.FileSizeExceeded
}

// OutputTruncated reports whether either stream lost bytes to the output cap.
func (r ExecutionResult) OutputTruncated() bool {
	return r.StdoutTruncated || r.StderrTruncated
}

// Status is the externally visible classification of a run.
type Status string

const (
	StatusOK               Status = "ok"
	StatusCompileError     Status = "compileError"
	StatusRuntimeError     Status = "runtimeError"
	StatusTimeout          Status = "timeout"
	StatusResourceExceeded Status = "resourceExceeded"
	StatusInternalError    Status = "internalError"
	StatusInvalidInput     Status = "invalidInput"
)

// RunResponse is the stable response shape returned to callers.
type RunResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
	Status Status `json:"status"`
}
