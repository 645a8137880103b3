package procrunner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is returned by Run when the run was cancelled before it
// completed. Start never reports it: cancelled runs never call done.
var ErrCancelled = errors.New("procrunner: run cancelled")

// ErrAlreadyStarted reports reuse of a single-shot Runner.
var ErrAlreadyStarted = errors.New("procrunner: runner already started")

// SpawnError means the OS could not start the command.
type SpawnError struct {
	Command string
	Err     error
}

func (e SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e SpawnError) Unwrap() error {
	return e.Err
}

// ExitError means the command finished unsuccessfully.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e ExitError) Error() string {
	tail := lastLine(e.Output)
	if tail == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, tail)
}

func lastLine(output string) string {
	lines := strings.FieldsFunc(output, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
