package validation

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const PhaseID = "validation"

// MissingPathError names an expected path that does not exist.
type MissingPathError struct {
	Kind string
	Path string
}

func (e MissingPathError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Path)
}

// Expectation is one path that must exist after installation.
type Expectation struct {
	Kind string
	Path string
}

// Phase confirms the server was installed where expected.
type Phase struct {
	expect []Expectation
	stat   func(string) (os.FileInfo, error)
}

// New expects installDir and executable to exist.
func New(installDir, executable string) *Phase {
	return &Phase{
		expect: []Expectation{
			{Kind: "install directory", Path: installDir},
			{Kind: "server executable", Path: executable},
		},
		stat: os.Stat,
	}
}

func (p *Phase) Metadata() phases.PhaseMetadata {
	return phases.PhaseMetadata{
		ID:          PhaseID,
		Title:       "Validate",
		Description: "Check the server files are in place.",
	}
}

func (p *Phase) Run(_ context.Context, _ *phases.Context, report phases.Reporter) (phases.Result, error) {
	var result *multierror.Error
	for idx, exp := range p.expect {
		if _, err := p.stat(exp.Path); err != nil {
			result = multierror.Append(result, MissingPathError{Kind: exp.Kind, Path: exp.Path})
		}
		report(progress.Event{
			Percent: (idx + 1) * 100 / len(p.expect),
			Step:    progress.StepInstall,
			Message: fmt.Sprintf("Checked %s.", exp.Kind),
		})
	}
	if err := result.ErrorOrNil(); err != nil {
		result.ErrorFormat = formatErrors
		return phases.Result{}, err
	}
	msg := "Server installation verified."
	report(progress.Event{Percent: 100, Step: progress.StepComplete, Message: msg})
	return phases.Result{Installed: true, Message: msg}, nil
}

func formatErrors(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	out := fmt.Sprintf("%d expected paths are missing:", len(errs))
	for _, err := range errs {
		out += " " + err.Error() + ";"
	}
	return out[:len(out)-1]
}
