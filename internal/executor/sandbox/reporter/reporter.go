// Package reporter converts dispatcher outcomes into the external run response.
package reporter

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"runbox/internal/executor/sandbox"
	"runbox/internal/executor/sandbox/result"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	msgInternal        = "internal error"
	msgQueueFull       = "too many concurrent executions"
	msgTimedOut        = "execution timed out"
	msgMemoryExceeded  = "memory limit exceeded"
	msgFileSize        = "file size limit exceeded"
	msgCompileTimedOut = "compilation timed out"
	msgCompileMemory   = "compilation exceeded memory limit"
	msgCompileFileSize = "compilation exceeded file size limit"
)

// Report maps an outcome and dispatcher error to the response body and HTTP status.
// It never panics; internal details are logged and replaced by a generic message.
func Report(ctx context.Context, out sandbox.Outcome, runErr error) (resp result.RunResponse, status int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "report panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			resp, status = internalError()
		}
	}()
	if runErr != nil {
		return reportError(ctx, runErr)
	}
	return reportOutcome(ctx, out)
}

func reportError(ctx context.Context, err error) (result.RunResponse, int) {
	code := appErr.GetCode(err)
	switch {
	case code == appErr.ExecutionQueueFull || code == appErr.TooManyRequests:
		return result.RunResponse{Status: result.StatusResourceExceeded, Error: msgQueueFull}, http.StatusTooManyRequests
	case code.IsInvalidInput():
		return result.RunResponse{Status: result.StatusInvalidInput, Error: appErr.GetError(err).Message}, http.StatusBadRequest
	default:
		logger.Error(ctx, "run failed internally", zap.Int("code", int(code)), zap.Error(err))
		return internalError()
	}
}

func reportOutcome(ctx context.Context, out sandbox.Outcome) (result.RunResponse, int) {
	switch out.State {
	case sandbox.StateCompleted:
		res := mustExecute(out)
		return result.RunResponse{Status: result.StatusOK, Output: string(res.Stdout), Error: string(res.Stderr)}, http.StatusOK
	case sandbox.StateRuntimeFailed:
		res := mustExecute(out)
		return result.RunResponse{Status: result.StatusRuntimeError, Output: string(res.Stdout), Error: runtimeMessage(res)}, http.StatusOK
	case sandbox.StateTimedOut:
		res := mustExecute(out)
		return result.RunResponse{Status: result.StatusTimeout, Output: string(res.Stdout), Error: msgTimedOut}, http.StatusOK
	case sandbox.StateResourceExceeded:
		res := mustExecute(out)
		return result.RunResponse{Status: result.StatusResourceExceeded, Output: string(res.Stdout), Error: resourceMessage(res)}, http.StatusOK
	case sandbox.StateCompileFailed:
		if out.Compile == nil {
			panic("compile failed without a compile result")
		}
		return result.RunResponse{Status: result.StatusCompileError, Error: compileMessage(*out.Compile)}, http.StatusOK
	default:
		logger.Error(ctx, "run ended in unexpected state", zap.String("state", string(out.State)))
		return internalError()
	}
}

func mustExecute(out sandbox.Outcome) result.ExecutionResult {
	if out.Execute == nil {
		panic(fmt.Sprintf("state %s without an execute result", out.State))
	}
	return *out.Execute
}

func runtimeMessage(res result.ExecutionResult) string {
	if len(res.Stderr) > 0 {
		return string(res.Stderr)
	}
	if res.Signal != "" {
		return "terminated by signal " + res.Signal
	}
	return fmt.Sprintf("exit status %d", res.ExitCode)
}

func resourceMessage(res result.ExecutionResult) string {
	if res.FileSizeExceeded && !res.KilledForMemory {
		return msgFileSize
	}
	return msgMemoryExceeded
}

func compileMessage(res result.ExecutionResult) string {
	switch {
	case res.KilledForMemory:
		return msgCompileMemory
	case res.FileSizeExceeded:
		return msgCompileFileSize
	case res.TimedOut:
		return msgCompileTimedOut
	case len(res.Stderr) > 0:
		return string(res.Stderr)
	case len(res.Stdout) > 0:
		return string(res.Stdout)
	case res.Signal != "":
		return "compiler terminated by signal " + res.Signal
	default:
		return fmt.Sprintf("compiler exited with status %d", res.ExitCode)
	}
}

func internalError() (result.RunResponse, int) {
	return result.RunResponse{Status: result.StatusInternalError, Error: msgInternal}, http.StatusInternalServerError
}
