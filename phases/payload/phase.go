package payload

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
	"github.com/BrianJOC/gameserver-installer/utils/steamcmd"
)

const PhaseID = "payload"

// Installer is satisfied by *steamcmd.Installer.
type Installer interface {
	InstallPayload(ctx context.Context, req steamcmd.PayloadRequest, onProgress func(progress.Payload)) (string, error)
}

// Phase downloads or updates the dedicated server files. It always runs;
// steamcmd's validate pass makes repeated runs cheap.
type Phase struct {
	installer Installer
	request   steamcmd.PayloadRequest
}

func New(installer Installer, req steamcmd.PayloadRequest) *Phase {
	return &Phase{installer: installer, request: req}
}

func (p *Phase) Metadata() phases.PhaseMetadata {
	return phases.PhaseMetadata{
		ID:          PhaseID,
		Title:       "Server Files",
		Description: fmt.Sprintf("Download the dedicated server (app %s).", p.request.AppID),
	}
}

func (p *Phase) Run(ctx context.Context, _ *phases.Context, report phases.Reporter) (phases.Result, error) {
	if p.installer == nil {
		return phases.Result{}, fmt.Errorf("payload: %w", phases.ErrNotConfigured)
	}
	if _, err := p.installer.InstallPayload(ctx, p.request, phases.PayloadReporter(report, 0)); err != nil {
		if errors.Is(err, procrunner.ErrCancelled) {
			return phases.Result{}, err
		}
		return phases.Result{}, fmt.Errorf("download server files: %w", err)
	}
	return phases.Result{Installed: true, Message: "Server files downloaded."}, nil
}
