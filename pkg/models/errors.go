package models

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping. The set is
// closed; unknown errors map to KindInternal.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindBusy                Kind = "busy"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidArguments    Kind = "invalid_arguments"
	KindToolDenied          Kind = "tool_denied"
	KindToolTimeout         Kind = "tool_timeout"
	KindToolRuntime         Kind = "tool_runtime"
	KindToolLoopLimit       Kind = "tool_loop_limit"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error carries a kind, a human-readable message safe to show to end users,
// and an optional wrapped cause. Stack traces never cross this boundary.
type Error struct {
	Kind      Kind
	Message   string
	cause     error
	retriable bool
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds an error of the given kind.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds an error of the given kind with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an error of the given kind.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the first *Error in the chain carries the given
// kind; kinds of errors wrapped deeper are not checked.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the human-readable message for an error chain, falling
// back to a generic phrase for unclassified errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "something went wrong, please try again"
}

// IsRetriable reports whether the scheduler may retry the work item that
// produced this error.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUpstreamUnavailable:
		return true
	case KindToolRuntime:
		var e *Error
		if errors.As(err, &e) {
			return e.retriable
		}
	}
	return false
}

// MarkRetriable flags a ToolRuntime error as transient so the scheduler will
// retry it with backoff.
func MarkRetriable(e *Error) *Error {
	if e != nil {
		e.retriable = true
	}
	return e
}
