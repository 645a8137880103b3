package phases

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is wrapped by phases constructed without a required
// installer.
var ErrNotConfigured = errors.New("installer is not configured")

// RegistrationError rejects a phase handed to Manager.Register.
type RegistrationError struct {
	ID     string
	Reason string
}

func (e RegistrationError) Error() string {
	if e.ID == "" {
		return "cannot register phase: " + e.Reason
	}
	return fmt.Sprintf("cannot register phase %q: %s", e.ID, e.Reason)
}

// InputRequestError asks the operator for a value before the phase can go on.
// The manager answers it through its InputHandler and reruns the phase.
type InputRequestError struct {
	PhaseID string
	Input   InputDefinition
	Reason  string
}

func (e InputRequestError) Error() string {
	msg := fmt.Sprintf("%s needs %s", e.PhaseID, e.Input.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PhaseError ties a failure to the phase that produced it.
type PhaseError struct {
	Phase PhaseMetadata
	Err   error
}

func (e PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase.ID, e.Err)
}

func (e PhaseError) Unwrap() error { return e.Err }

// UnknownPhaseError is returned by RunFrom for an unregistered phase ID.
type UnknownPhaseError struct {
	ID string
}

func (e UnknownPhaseError) Error() string {
	return fmt.Sprintf("no phase with id %q", e.ID)
}
