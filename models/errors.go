package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the session controller can record.
type ErrorKind string

// Error kinds used in result records and for routing decisions.
const (
	KindLoginElementMissing  ErrorKind = "LoginElementMissing"
	KindVerificationRequired ErrorKind = "VerificationRequired"
	KindOtpFetchFailed       ErrorKind = "OtpFetchFailed"
	KindChallengeUnresolved  ErrorKind = "ChallengeUnresolved"
	KindSendFailed           ErrorKind = "SendFailed"
	KindNoResponse           ErrorKind = "NoResponse"
	KindExtractionFailed     ErrorKind = "ExtractionFailed"
	KindEmptyResponse        ErrorKind = "EmptyResponse"
	KindUnexpectedException  ErrorKind = "UnexpectedException"

	// KindEmptyPrompt marks a prompt that sanitized to nothing.
	KindEmptyPrompt ErrorKind = "EmptyPrompt"

	// KindRetriesExhausted is recorded when the retry budget for a prompt
	// index ran out without a more specific failure.
	KindRetriesExhausted ErrorKind = "RetriesExhausted"
)

// Reopens reports whether a failure of this kind must discard the current
// browser session and force a fresh login.
func (k ErrorKind) Reopens() bool {
	switch k {
	case KindLoginElementMissing, KindUnexpectedException, KindSendFailed,
		KindOtpFetchFailed, KindChallengeUnresolved:
		return true
	}
	return false
}

// Terminal reports whether a failure of this kind is recorded against the
// prompt immediately, advancing the index without reopening the session.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindNoResponse, KindExtractionFailed, KindEmptyResponse, KindEmptyPrompt:
		return true
	}
	return false
}

// RunError is the internal error type carrying an ErrorKind.
// It implements the error interface and supports error wrapping via Unwrap.
type RunError struct {
	Kind       ErrorKind
	Message    string
	Screenshot string // path of the diagnostic capture, if any
	Err        error  // wrapped original error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a new RunError.
func NewRunError(kind ErrorKind, message string, err error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: err}
}

// WithScreenshot records the diagnostic capture taken for this failure.
func (e *RunError) WithScreenshot(path string) *RunError {
	e.Screenshot = path
	return e
}

// KindOf classifies err. Anything that is not a RunError is unexpected.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnexpectedException
}

// ScreenshotOf returns the screenshot attached to err, if any.
func ScreenshotOf(err error) string {
	var re *RunError
	if errors.As(err, &re) {
		return re.Screenshot
	}
	return ""
}
