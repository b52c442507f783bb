package reporter

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"runbox/internal/executor/sandbox"
	"runbox/internal/executor/sandbox/result"
	appErr "runbox/pkg/errors"
)

func execOutcome(state sandbox.State, res result.ExecutionResult) sandbox.Outcome {
	return sandbox.Outcome{ID: "r", Language: "python", State: state, Execute: &res}
}

func TestReport(t *testing.T) {
	cases := []struct {
		name       string
		out        sandbox.Outcome
		err        error
		want       result.RunResponse
		wantStatus int
	}{
		{
			name:       "completed",
			out:        execOutcome(sandbox.StateCompleted, result.ExecutionResult{Stdout: []byte("hi\n")}),
			want:       result.RunResponse{Output: "hi\n", Error: "", Status: result.StatusOK},
			wantStatus: http.StatusOK,
		},
		{
			name:       "completed_with_stderr",
			out:        execOutcome(sandbox.StateCompleted, result.ExecutionResult{Stdout: []byte("1"), Stderr: []byte("warn")}),
			want:       result.RunResponse{Output: "1", Error: "warn", Status: result.StatusOK},
			wantStatus: http.StatusOK,
		},
		{
			name:       "runtime_error_stderr",
			out:        execOutcome(sandbox.StateRuntimeFailed, result.ExecutionResult{ExitCode: 1, Stdout: []byte("partial"), Stderr: []byte("Traceback")}),
			want:       result.RunResponse{Output: "partial", Error: "Traceback", Status: result.StatusRuntimeError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "runtime_error_exit_code",
			out:        execOutcome(sandbox.StateRuntimeFailed, result.ExecutionResult{ExitCode: 3}),
			want:       result.RunResponse{Error: "exit status 3", Status: result.StatusRuntimeError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "runtime_error_signal",
			out:        execOutcome(sandbox.StateRuntimeFailed, result.ExecutionResult{ExitCode: -1, Signal: "SIGSEGV"}),
			want:       result.RunResponse{Error: "terminated by signal SIGSEGV", Status: result.StatusRuntimeError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "timeout_keeps_partial_output",
			out:        execOutcome(sandbox.StateTimedOut, result.ExecutionResult{ExitCode: -1, TimedOut: true, Stdout: []byte("tick\n")}),
			want:       result.RunResponse{Output: "tick\n", Error: msgTimedOut, Status: result.StatusTimeout},
			wantStatus: http.StatusOK,
		},
		{
			name:       "memory_exceeded",
			out:        execOutcome(sandbox.StateResourceExceeded, result.ExecutionResult{KilledForMemory: true}),
			want:       result.RunResponse{Error: msgMemoryExceeded, Status: result.StatusResourceExceeded},
			wantStatus: http.StatusOK,
		},
		{
			name:       "file_size_exceeded",
			out:        execOutcome(sandbox.StateResourceExceeded, result.ExecutionResult{Signal: "SIGXFSZ", FileSizeExceeded: true}),
			want:       result.RunResponse{Error: msgFileSize, Status: result.StatusResourceExceeded},
			wantStatus: http.StatusOK,
		},
		{
			name: "compile_error",
			out: sandbox.Outcome{State: sandbox.StateCompileFailed, Compile: &result.ExecutionResult{
				ExitCode: 1, Stdout: []byte("ignored"), Stderr: []byte("main.cpp:1: error: expected '}'"),
			}},
			want:       result.RunResponse{Error: "main.cpp:1: error: expected '}'", Status: result.StatusCompileError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "compile_timeout",
			out:        sandbox.Outcome{State: sandbox.StateCompileFailed, Compile: &result.ExecutionResult{TimedOut: true, ExitCode: -1}},
			want:       result.RunResponse{Error: msgCompileTimedOut, Status: result.StatusCompileError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "compile_memory",
			out:        sandbox.Outcome{State: sandbox.StateCompileFailed, Compile: &result.ExecutionResult{KilledForMemory: true}},
			want:       result.RunResponse{Error: msgCompileMemory, Status: result.StatusCompileError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "compile_file_size",
			out:        sandbox.Outcome{State: sandbox.StateCompileFailed, Compile: &result.ExecutionResult{Signal: "SIGXFSZ", FileSizeExceeded: true}},
			want:       result.RunResponse{Error: msgCompileFileSize, Status: result.StatusCompileError},
			wantStatus: http.StatusOK,
		},
		{
			name:       "queue_full",
			err:        appErr.New(appErr.ExecutionQueueFull),
			want:       result.RunResponse{Error: msgQueueFull, Status: result.StatusResourceExceeded},
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "unsupported_language",
			err:        appErr.New(appErr.LanguageNotSupported),
			want:       result.RunResponse{Error: "Unsupported language", Status: result.StatusInvalidInput},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation_message",
			err:        appErr.ValidationError("code", "required").WithMessage("code is required"),
			want:       result.RunResponse{Error: "code is required", Status: result.StatusInvalidInput},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "sandbox_error_hidden",
			err:        appErr.New(appErr.SandboxError).WithMessage("sandbox setup failed: mount_setattr /: EPERM"),
			want:       result.RunResponse{Error: msgInternal, Status: result.StatusInternalError},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "canceled",
			err:        appErr.Wrap(context.Canceled, appErr.RequestCanceled),
			want:       result.RunResponse{Error: msgInternal, Status: result.StatusInternalError},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "plain_error",
			err:        errors.New("boom"),
			want:       result.RunResponse{Error: msgInternal, Status: result.StatusInternalError},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "non_terminal_state",
			out:        sandbox.Outcome{State: sandbox.StateExecuting},
			want:       result.RunResponse{Error: msgInternal, Status: result.StatusInternalError},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing_execute_result_recovers",
			out:        sandbox.Outcome{State: sandbox.StateCompleted},
			want:       result.RunResponse{Error: msgInternal, Status: result.StatusInternalError},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, status := Report(context.Background(), tc.out, tc.err)
			if got != tc.want {
				t.Fatalf("Report() = %+v, want %+v", got, tc.want)
			}
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", status, tc.wantStatus)
			}
		})
	}
}

func TestReportIsDeterministic(t *testing.T) {
	out := execOutcome(sandbox.StateRuntimeFailed, result.ExecutionResult{ExitCode: 7, Stdout: []byte("x")})
	first, s1 := Report(context.Background(), out, nil)
	second, s2 := Report(context.Background(), out, nil)
	if first != second || s1 != s2 {
		t.Fatalf("report not deterministic: %+v vs %+v", first, second)
	}
}
