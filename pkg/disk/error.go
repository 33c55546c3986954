package disk

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies operation failures for the UI and the orchestrator.
type ErrorKind string

const (
	KindSafetyViolation       ErrorKind = "SafetyViolation"
	KindUnknownDevice         ErrorKind = "UnknownDevice"
	KindDeviceBusy            ErrorKind = "DeviceBusy"
	KindUnsupportedFilesystem ErrorKind = "UnsupportedFilesystem"
	KindUnsupportedSize       ErrorKind = "UnsupportedSize"
	KindInsufficientCapacity  ErrorKind = "InsufficientCapacity"
	KindNetworkFailure        ErrorKind = "NetworkFailure"
	KindChecksumMismatch      ErrorKind = "ChecksumMismatch"
	KindPermissionDenied      ErrorKind = "PermissionDenied"
	KindVerificationMismatch  ErrorKind = "VerificationMismatch"
	KindCommandFailed         ErrorKind = "CommandFailed"
)

// OpError is a classified operation error. All destructive-path failures
// surface as an OpError so callers can map them to user-visible outcomes.
type OpError struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

func (e *OpError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *OpError) Unwrap() error { return e.cause }

// NewError builds an OpError with a formatted detail message.
func NewError(kind ErrorKind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and detail to an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the ErrorKind from err, or KindCommandFailed when the
// error carries no classification.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindCommandFailed
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Kind == kind
}
