package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an upscale operation failed.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindSourceNotFound      ErrorKind = "source_not_found"
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindProvisioning        ErrorKind = "provisioning_error"
	KindUnsupportedScale    ErrorKind = "unsupported_scale"
	KindInvocationFailed    ErrorKind = "invocation_failed"
	KindInvocationTimedOut  ErrorKind = "invocation_timed_out"
	KindCanceled            ErrorKind = "canceled"
	KindInternal            ErrorKind = "internal"
)

// Stage names the step of an upscale operation that produced an error.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageStage     Stage = "stage"
	StageProvision Stage = "provision"
	StagePass      Stage = "pass"
	StageReadBack  Stage = "read_back"
)

// Error is the single structured failure returned across the orchestrator boundary.
type Error struct {
	Kind    ErrorKind
	Stage   Stage
	Pass    int
	Passes  int
	Message string
	Err     error
}

func NewError(kind ErrorKind, stage Stage, message string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Pass > 0 {
		fmt.Fprintf(&b, "pass %d/%d: ", e.Pass, e.Passes)
	}

	b.WriteString(e.Message)
	if e.Message == "" {
		b.WriteString(string(e.Kind))
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so kind sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// WithStage returns a copy of the error attributed to the given stage and pass.
func (e *Error) WithStage(stage Stage, pass, passes int) *Error {
	cp := *e
	cp.Stage = stage
	cp.Pass = pass
	cp.Passes = passes

	return &cp
}

var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrSourceNotFound      = &Error{Kind: KindSourceNotFound}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrProvisioning        = &Error{Kind: KindProvisioning}
	ErrUnsupportedScale    = &Error{Kind: KindUnsupportedScale}
	ErrInvocationFailed    = &Error{Kind: KindInvocationFailed}
	ErrInvocationTimedOut  = &Error{Kind: KindInvocationTimedOut}
	ErrCanceled            = &Error{Kind: KindCanceled}
)

// KindOf returns the kind of a structured error, or KindInternal for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// ErrorStatus renders an error as the status string shown to end users.
func ErrorStatus(err error) string {
	return fmt.Sprintf("Error: %s", err)
}

// SuccessStatus renders the status string of a finished upscale.
func SuccessStatus(width, height, newWidth, newHeight int, scale Scale) string {
	return fmt.Sprintf("Successfully upscaled: %dx%d to %dx%d (%s)", width, height, newWidth, newHeight, scale)
}
