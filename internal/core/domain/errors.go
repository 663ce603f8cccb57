package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failures a ledger operation can report.
type ErrorKind string

const (
	KindValidation                ErrorKind = "validation"
	KindInsufficientFunds         ErrorKind = "insufficient_funds"
	KindEvidenceThresholdExceeded ErrorKind = "evidence_threshold_exceeded"
	KindInsufficientQuantity      ErrorKind = "insufficient_quantity"
	KindBudgetExceeded            ErrorKind = "budget_exceeded"
	KindOptimisticConflict        ErrorKind = "optimistic_conflict"
	KindAggregateNotFound         ErrorKind = "aggregate_not_found"
	KindEventApplicationFailure   ErrorKind = "event_application_failure"
	KindAlreadyApplied            ErrorKind = "already_applied"
	KindForbidden                 ErrorKind = "forbidden"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrValidation                = &Error{Kind: KindValidation}
	ErrInsufficientFunds         = &Error{Kind: KindInsufficientFunds}
	ErrEvidenceThresholdExceeded = &Error{Kind: KindEvidenceThresholdExceeded}
	ErrInsufficientQuantity      = &Error{Kind: KindInsufficientQuantity}
	ErrBudgetExceeded            = &Error{Kind: KindBudgetExceeded}
	ErrOptimisticConflict        = &Error{Kind: KindOptimisticConflict}
	ErrAggregateNotFound         = &Error{Kind: KindAggregateNotFound}
	ErrEventApplicationFailure   = &Error{Kind: KindEventApplicationFailure}
	ErrAlreadyApplied            = &Error{Kind: KindAlreadyApplied}
	ErrForbidden                 = &Error{Kind: KindForbidden}
)

type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	var s string
	switch {
	case op != "" && msg != "":
		s = fmt.Sprintf("%s: %s (%s)", op, msg, e.Kind)
	case op != "":
		s = fmt.Sprintf("%s (%s)", op, e.Kind)
	case msg != "":
		s = fmt.Sprintf("%s (%s)", msg, e.Kind)
	default:
		s = string(e.Kind)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether re-reading the aggregate and re-running the
// operation may succeed.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindOptimisticConflict
}

func NewError(kind ErrorKind, op, message string, cause error) error {
	return &Error{
		Kind:    kind,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return NewError(kind, op, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the kind of err, or "" when err is not a ledger error.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable is true only for optimistic conflicts; domain rule violations
// are final.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable()
}
