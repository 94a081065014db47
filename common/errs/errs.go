package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindStructural means the flow itself is malformed. Fail fast, never retry.
	KindStructural Kind = iota
	// KindTransient means an external call failed in a retryable way.
	KindTransient
	// KindPermanent means an external dependency rejected us for good.
	KindPermanent
	// KindPayload means the node received data it cannot process.
	KindPayload
	// KindCancelled means the run was cancelled. Terminal but not erroneous.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPayload:
		return "payload"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Structural errors: the flow is malformed.
var (
	ErrCycleDetected        = &Error{Kind: KindStructural, Code: "cycle_detected"}
	ErrNodeTypeUnknown      = &Error{Kind: KindStructural, Code: "node_type_unknown"}
	ErrMissingRequiredInput = &Error{Kind: KindStructural, Code: "missing_required_input"}
	ErrTypeMismatch         = &Error{Kind: KindStructural, Code: "type_mismatch"}
	ErrMissingGlobal        = &Error{Kind: KindStructural, Code: "missing_global"}
	ErrForwardReference     = &Error{Kind: KindStructural, Code: "forward_reference"}
	ErrUnknownMergeStrategy = &Error{Kind: KindStructural, Code: "unknown_merge_strategy"}
	ErrDuplicateBinding     = &Error{Kind: KindStructural, Code: "duplicate_binding"}
	ErrUnknownNode          = &Error{Kind: KindStructural, Code: "unknown_node"}
	ErrUnknownField         = &Error{Kind: KindStructural, Code: "unknown_field"}
)

// Transient I/O errors: retryable with backoff.
var (
	ErrServiceUnavailable = &Error{Kind: KindTransient, Code: "service_unavailable"}
	ErrRateLimited        = &Error{Kind: KindTransient, Code: "rate_limited"}
	ErrTimeout            = &Error{Kind: KindTransient, Code: "timeout"}
)

// Permanent I/O errors: fail the run, surface to the user.
var (
	ErrAuthFailure           = &Error{Kind: KindPermanent, Code: "auth_failure"}
	ErrQuotaExceeded         = &Error{Kind: KindPermanent, Code: "quota_exceeded"}
	ErrModelNotFound         = &Error{Kind: KindPermanent, Code: "model_not_found"}
	ErrProviderNotConfigured = &Error{Kind: KindPermanent, Code: "provider_not_configured"}
)

// Payload errors: the node received data it cannot process.
var (
	ErrPromptTooLong        = &Error{Kind: KindPayload, Code: "prompt_too_long"}
	ErrTooManyDocuments     = &Error{Kind: KindPayload, Code: "too_many_documents"}
	ErrEmptyInput           = &Error{Kind: KindPayload, Code: "empty_input"}
	ErrInvalidDocument      = &Error{Kind: KindPayload, Code: "invalid_document"}
	ErrBatchProcessingError = &Error{Kind: KindPayload, Code: "batch_processing_error"}
)

// ErrCancelled marks a cooperatively cancelled run.
var ErrCancelled = &Error{Kind: KindCancelled, Code: "cancelled"}

// Error is a classified error. Sentinel values above act as both the
// identity (for errors.Is) and a template for Wrap/New.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any error carrying the same code, so wrapped instances
// satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New derives a new error from a sentinel with a formatted message.
func New(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap derives a new error from a sentinel with a cause.
func Wrap(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindPermanent for
// unclassified errors and KindCancelled for context cancellation.
func KindOf(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
