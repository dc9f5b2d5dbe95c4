package task

import (
	"fmt"
	"time"
)

// ErrorKind classifies handler and admission failures. The engine's retry
// logic pattern-matches on the kind, never on message text.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindTransient        ErrorKind = "transient"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTimeout          ErrorKind = "timeout"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindDependencyFailed ErrorKind = "dependency_failed"
	KindFatal            ErrorKind = "fatal"
	KindCancelled        ErrorKind = "cancelled"
)

// Recoverable reports whether a failure of this kind may consume a retry.
// RateLimited and CircuitOpen are recoverable but follow their own budgets:
// rate hits count against the rate retry cap, circuit hits count against
// nothing at all.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindTimeout, KindCircuitOpen:
		return true
	}
	return false
}

// Error is the structured failure a handler returns. It travels with the task
// row and is surfaced verbatim on the task's status.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds an Error of the given kind.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationErr builds a Validation error carrying a stable code, e.g.
// CycleDetected or UnknownTaskType.
func ValidationErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedErr carries the upstream retry-after hint.
func RateLimitedErr(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Message: fmt.Sprintf(format, args...)}
}

// Stable validation codes surfaced through Submit rejections.
const (
	CodeCycleDetected     = "CycleDetected"
	CodeUnknownQueue      = "UnknownQueue"
	CodeUnknownTaskType   = "UnknownTaskType"
	CodeMissingDependency = "MissingDependency"
	CodeBadPayload        = "BadPayload"
	CodeBadPriority       = "BadPriority"
)
