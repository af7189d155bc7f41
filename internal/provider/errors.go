package provider

import (
	"errors"
	"fmt"

	"github.com/railyard-labs/railyard-go/internal/backoff"
)

// Machine-readable reason codes adapters attach to classified errors.
// The core branches only on these, never on transport details.
const (
	CodeWorkflowTriggerFailed = "workflow_trigger_failed"
	CodeParameterInvalid      = "parameter_invalid"
	CodeDispatchMissing       = "dispatch_missing"
	CodeRunNotFound           = "run_not_found"
	CodeRunNotRunnable        = "run_not_runnable"
	CodeArtifactNotFound      = "artifact_not_found"
	CodeBuildNotFound         = "build_not_found"
	CodeReleaseNotFound       = "release_not_found"
	CodeReleaseAlreadyExists  = "release_already_exists"
	CodeReviewInProgress      = "review_in_progress"
	CodeBuildMismatch         = "build_mismatch"
	CodeBranchAlreadyExists   = "branch_already_exists"
	CodeTagAlreadyExists      = "tag_already_exists"
	CodePullAlreadyExists     = "pull_request_already_exists"
	CodeRateLimited           = "rate_limited"
	CodeLockContended         = "lock_contended"
)

// Error is a provider failure classified before it reaches the core.
type Error struct {
	Class backoff.ErrorClass
	Code  string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Class, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Class)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable provider error.
func Transient(code string, err error) *Error {
	return &Error{Class: backoff.ClassTransient, Code: code, Err: err}
}

// Terminal builds an expected, non-retryable provider error.
func Terminal(code string, err error) *Error {
	return &Error{Class: backoff.ClassTerminal, Code: code, Err: err}
}

// Config builds a configuration or programmer error; it fails the
// enclosing task immediately.
func Config(code string, err error) *Error {
	return &Error{Class: backoff.ClassConfig, Code: code, Err: err}
}

// Classify returns the error class, defaulting to unknown for anything
// an adapter did not classify.
func Classify(err error) backoff.ErrorClass {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	return backoff.ClassUnknown
}

// CodeOf returns the machine-readable reason code, or empty.
func CodeOf(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// IsCode reports whether the error carries the given reason code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
