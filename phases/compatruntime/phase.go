package compatruntime

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const PhaseID = "compat-runtime"

// Installer is satisfied by *wine.Installer.
type Installer interface {
	IsInstalled() bool
	Install(ctx context.Context, onProgress func(progress.Payload)) (string, error)
}

// Phase installs the Windows compatibility runtime when the server needs it.
type Phase struct {
	installer Installer
	required  bool
}

// New creates the phase. required is false on platforms that run the server natively.
func New(installer Installer, required bool) *Phase {
	return &Phase{installer: installer, required: required}
}

func (p *Phase) Metadata() phases.PhaseMetadata {
	return phases.PhaseMetadata{
		ID:          PhaseID,
		Title:       "Wine",
		Description: "Install the Windows compatibility runtime.",
	}
}

func (p *Phase) Run(ctx context.Context, _ *phases.Context, report phases.Reporter) (phases.Result, error) {
	if !p.required {
		return complete(report, "Wine is not required on this platform."), nil
	}
	if p.installer == nil {
		return phases.Result{}, fmt.Errorf("wine: %w", phases.ErrNotConfigured)
	}
	if p.installer.IsInstalled() {
		return complete(report, "Wine is already installed."), nil
	}

	if _, err := p.installer.Install(ctx, phases.PayloadReporter(report, 0)); err != nil {
		if errors.Is(err, procrunner.ErrCancelled) {
			return phases.Result{}, err
		}
		return phases.Result{}, fmt.Errorf("install Wine: %w", err)
	}
	return phases.Result{Installed: true, Message: "Wine installed."}, nil
}

func complete(report phases.Reporter, msg string) phases.Result {
	report(progress.Event{Percent: 100, Step: progress.StepComplete, Message: msg})
	return phases.Result{Installed: true, Message: msg}
}
