package privilege

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRunner is returned when EnsureElevated gets a nil Runner.
	ErrNoRunner = errors.New("privilege: runner is required")

	// Causes a SudoError can carry; match them with errors.Is.
	ErrSudoMissing = errors.New("sudo is not installed")
	ErrNotSudoer   = errors.New("this user may not run sudo")
	ErrBadPassword = errors.New("sudo password rejected")
)

// PasswordError rejects a password before sudo is ever run.
type PasswordError struct {
	Reason string
}

func (e PasswordError) Error() string {
	return fmt.Sprintf("password error: %s", e.Reason)
}

// SudoError is a failed sudo validation. Cause is one of the Err* values
// above, or nil when the failure could not be classified.
type SudoError struct {
	Cause  error
	Err    error
	Stderr string
}

func (e SudoError) Error() string {
	cause := "sudo failed"
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return cause
	}
	return fmt.Sprintf("%s: %s", cause, detail)
}

func (e SudoError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
