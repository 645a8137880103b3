package distclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const PhaseID = "distribution-client"

// Installer is satisfied by *steamcmd.Installer.
type Installer interface {
	IsInstalled() bool
	Install(ctx context.Context, onProgress func(progress.Payload)) (string, error)
}

// Phase installs SteamCMD unless it is already present.
type Phase struct {
	installer Installer
}

func New(installer Installer) *Phase {
	return &Phase{installer: installer}
}

func (p *Phase) Metadata() phases.PhaseMetadata {
	return phases.PhaseMetadata{
		ID:          PhaseID,
		Title:       "SteamCMD",
		Description: "Install the Steam command line client.",
	}
}

func (p *Phase) Run(ctx context.Context, _ *phases.Context, report phases.Reporter) (phases.Result, error) {
	if p.installer == nil {
		return phases.Result{}, fmt.Errorf("steamcmd: %w", phases.ErrNotConfigured)
	}
	if p.installer.IsInstalled() {
		msg := "SteamCMD is already installed."
		report(progress.Event{Percent: 100, Step: progress.StepComplete, Message: msg})
		return phases.Result{Installed: true, Message: msg}, nil
	}

	if _, err := p.installer.Install(ctx, phases.PayloadReporter(report, 0)); err != nil {
		if errors.Is(err, procrunner.ErrCancelled) {
			return phases.Result{}, err
		}
		return phases.Result{}, fmt.Errorf("install SteamCMD: %w", err)
	}
	return phases.Result{Installed: true, Message: "SteamCMD installed."}, nil
}
