package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a snag error category.
type Code string

const (
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeRedirectUnavailable     Code = "REDIRECT_UNAVAILABLE"
	CodeHotkeyConflict          Code = "HOTKEY_CONFLICT"
	CodeCaptureAssignmentFailed Code = "CAPTURE_ASSIGNMENT_FAILED"
	CodeWatcherStartFailed      Code = "WATCHER_START_FAILED"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeInternal                Code = "INTERNAL"
)

// Error is a structured snag error with a code and optional details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of err, or CodeInternal for plain errors.
func CodeOf(err error) Code {
	var se *Error
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// NewInvalidTransition reports a transition request that does not match a
// valid edge from the current state. Treated as a logged no-op by callers.
func NewInvalidTransition(from, trigger string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("trigger %q is not valid in state %q", trigger, from),
		Details: map[string]any{"state": from, "trigger": trigger},
	}
}

// NewRedirectUnavailable reports that the OS screenshot-location redirect
// mechanism could not be used. Sessions continue in degraded mode.
func NewRedirectUnavailable(cause error) *Error {
	return &Error{
		Code:    CodeRedirectUnavailable,
		Message: "screenshot save-location redirect is unavailable; captures must be sorted manually",
		Cause:   cause,
	}
}

// NewHotkeyConflict reports that the OS refused a hotkey registration,
// usually because another process owns the combination.
func NewHotkeyConflict(action, combo string, cause error) *Error {
	return &Error{
		Code:    CodeHotkeyConflict,
		Message: fmt.Sprintf("hotkey %q for %s is already taken; remap it in settings", combo, action),
		Details: map[string]any{"action": action, "combo": combo},
		Cause:   cause,
	}
}

// NewCaptureAssignmentFailed reports that a detected capture could not be
// moved out of staging after all retries. The file is left in staging.
func NewCaptureAssignmentFailed(path string, attempts int, cause error) *Error {
	return &Error{
		Code:    CodeCaptureAssignmentFailed,
		Message: fmt.Sprintf("could not assign capture %s after %d attempts; the file was left in the staging folder for manual recovery", path, attempts),
		Details: map[string]any{"path": path, "attempts": attempts},
		Cause:   cause,
	}
}

// NewWatcherStartFailed reports that the staging watcher could not start.
// A session without capture routing is not allowed to proceed.
func NewWatcherStartFailed(dir string, cause error) *Error {
	return &Error{
		Code:    CodeWatcherStartFailed,
		Message: fmt.Sprintf("cannot watch staging folder %s", dir),
		Details: map[string]any{"dir": dir},
		Cause:   cause,
	}
}

// NewNotFound reports a missing record.
func NewNotFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewInvalidRequest reports a malformed request.
func NewInvalidRequest(msg string) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: msg,
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(cause error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Cause:   cause,
	}
}
