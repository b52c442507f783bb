package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Execution errors
//
// Program outcomes (compile failure, runtime failure, limits) are results, not errors,
// and have no code here.
const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	RequestCanceled     ErrorCode = 10009

	ValidationFailed ErrorCode = 10300

	// Request shape (13000-13099)
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003

	// Sandbox (13100-13199)
	ExecutionQueueFull ErrorCode = 13100
	SandboxError       ErrorCode = 13101
	WorkspaceError     ErrorCode = 13107

	// Stdin (13200-13299)
	CustomInputTooLarge ErrorCode = 13201
)

type codeInfo struct {
	message string
	status  int
}

var codes = map[ErrorCode]codeInfo{
	Success:             {"Success", http.StatusOK},
	InternalServerError: {"Internal server error", http.StatusInternalServerError},
	InvalidParams:       {"Invalid parameters", http.StatusBadRequest},
	NotFound:            {"Resource not found", http.StatusNotFound},
	TooManyRequests:     {"Too many requests, please try again later", http.StatusTooManyRequests},
	ServiceUnavailable:  {"Service temporarily unavailable", http.StatusServiceUnavailable},
	RequestCanceled:     {"Request canceled", http.StatusInternalServerError},

	ValidationFailed: {"Validation failed", http.StatusBadRequest},

	CodeTooLarge:         {"Code size exceeds limit", http.StatusBadRequest},
	LanguageNotSupported: {"Unsupported language", http.StatusBadRequest},

	ExecutionQueueFull: {"Too many concurrent executions", http.StatusTooManyRequests},
	SandboxError:       {"Sandbox error", http.StatusInternalServerError},
	WorkspaceError:     {"Workspace error", http.StatusInternalServerError},

	CustomInputTooLarge: {"Input size exceeds limit", http.StatusBadRequest},
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if info, ok := codes[c]; ok {
		return info.message
	}
	return "Unknown error"
}

// HTTPStatus returns the HTTP status for the code; unknown codes are 500.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// IsInvalidInput reports whether the code describes a request rejected before any work started.
func (c ErrorCode) IsInvalidInput() bool {
	return c.HTTPStatus() == http.StatusBadRequest
}
