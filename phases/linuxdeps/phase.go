package linuxdeps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/pkginstaller"
	"github.com/BrianJOC/gameserver-installer/utils/privilege"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const (
	PhaseID = "linux-deps"

	// InputPassword is the sudo password input.
	InputPassword = "password"

	// MinPercent is the floor for progress once package installation starts.
	MinPercent = 10
)

// Checker returns the dependencies that are not installed.
type Checker func(deps []pkginstaller.Dependency) []pkginstaller.Dependency

// Elevator validates the password and returns a runner executing as root.
type Elevator func(ctx context.Context, password privilege.Password) (pkginstaller.Runner, error)

// InstallerFunc wraps pkginstaller.Ensure for dependency injection.
type InstallerFunc func(ctx context.Context, r pkginstaller.Runner, packages []string, opts ...pkginstaller.Option) (*pkginstaller.Result, error)

// Phase installs missing system packages through sudo.
type Phase struct {
	deps     []pkginstaller.Dependency
	required bool
	missing  Checker
	elevate  Elevator
	install  InstallerFunc
}

// New creates the phase. When required is false the phase reports success
// without doing any work.
func New(deps []pkginstaller.Dependency, required bool) *Phase {
	return &Phase{
		deps:     deps,
		required: required,
		missing:  defaultChecker,
		elevate:  defaultElevator,
		install:  pkginstaller.Ensure,
	}
}

// WithChecker replaces the missing-dependency check (for tests).
func (p *Phase) WithChecker(fn Checker) *Phase {
	if fn != nil {
		p.missing = fn
	}
	return p
}

// WithElevator replaces sudo validation (for tests).
func (p *Phase) WithElevator(fn Elevator) *Phase {
	if fn != nil {
		p.elevate = fn
	}
	return p
}

// WithInstaller allows providing a custom installer (for tests).
func (p *Phase) WithInstaller(fn InstallerFunc) *Phase {
	if fn != nil {
		p.install = fn
	}
	return p
}

func (p *Phase) Metadata() phases.PhaseMetadata {
	return phases.PhaseMetadata{
		ID:          PhaseID,
		Title:       "Linux Dependencies",
		Description: "Install system packages the server stack needs.",
		Inputs:      []phases.InputDefinition{passwordInputDefinition()},
	}
}

func (p *Phase) Run(ctx context.Context, phaseCtx *phases.Context, report phases.Reporter) (phases.Result, error) {
	if phaseCtx == nil {
		phaseCtx = phases.NewContext()
	}
	if !p.required {
		return done(report, "Linux dependencies are not required on this platform."), nil
	}

	missing := p.missing(p.deps)
	if len(missing) == 0 {
		return done(report, "All Linux dependencies are installed."), nil
	}
	packages := pkginstaller.Packages(missing)

	password, ok := phases.InputString(phaseCtx, PhaseID, InputPassword)
	if !ok {
		return phases.Result{}, phases.InputRequestError{
			PhaseID: PhaseID,
			Input:   passwordInputDefinition(),
			Reason:  fmt.Sprintf("sudo password required to install missing dependencies: %s", Names(missing)),
		}
	}

	report(progress.Event{
		Percent: MinPercent,
		Step:    progress.StepInstall,
		Message: fmt.Sprintf("Installing %s...", strings.Join(packages, ", ")),
	})

	runner, err := p.elevate(ctx, privilege.Password{Value: password})
	if err != nil {
		if errors.Is(err, privilege.ErrBadPassword) {
			phases.ClearInput(phaseCtx, PhaseID, InputPassword)
			return phases.Result{}, phases.InputRequestError{
				PhaseID: PhaseID,
				Input:   passwordInputDefinition(),
				Reason:  "password rejected; please enter a new password",
			}
		}
		return phases.Result{}, err
	}

	result, err := p.install(ctx, runner, packages,
		pkginstaller.WithCustomCheck(checkCommand(missing)),
		pkginstaller.WithProgress(phases.PayloadReporter(report, MinPercent)),
	)
	if err != nil {
		return phases.Result{}, fmt.Errorf("install %s: %w", strings.Join(packages, ", "), err)
	}

	msg := fmt.Sprintf("Installed %s.", strings.Join(packages, ", "))
	if result != nil && result.Skipped {
		msg = "All Linux dependencies are installed."
	}
	return done(report, msg), nil
}

// Names lists dependency names for messages.
func Names(deps []pkginstaller.Dependency) string {
	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		names = append(names, dep.Name)
	}
	return strings.Join(names, ", ")
}

func done(report phases.Reporter, msg string) phases.Result {
	report(progress.Event{Percent: 100, Step: progress.StepComplete, Message: msg})
	return phases.Result{Installed: true, Message: msg}
}

func checkCommand(deps []pkginstaller.Dependency) string {
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		bin := dep.Binary
		if bin == "" {
			bin = dep.Name
		}
		parts = append(parts, "command -v "+privilege.ShellQuote(bin)+" >/dev/null 2>&1")
	}
	return strings.Join(parts, " && ")
}

func defaultChecker(deps []pkginstaller.Dependency) []pkginstaller.Dependency {
	return pkginstaller.Missing(deps, exec.LookPath)
}

func defaultElevator(ctx context.Context, password privilege.Password) (pkginstaller.Runner, error) {
	elevated, err := privilege.EnsureElevated(ctx, privilege.LocalRunner{}, password)
	if err != nil {
		return nil, err
	}
	return elevated, nil
}

func passwordInputDefinition() phases.InputDefinition {
	return phases.InputDefinition{
		ID:          InputPassword,
		Label:       "Sudo Password",
		Description: "Password used to install missing system packages",
		Secret:      true,
		Required:    true,
	}
}
