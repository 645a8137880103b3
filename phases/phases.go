// Package phases runs an ordered, fail-fast installation pipeline. Each phase
// reports its own 0-100 progress; observers see start, progress and completion.
package phases

import (
	"context"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

// Phase is one sequential step of an installation.
type Phase interface {
	Metadata() PhaseMetadata
	Run(ctx context.Context, phaseCtx *Context, report Reporter) (Result, error)
}

// Reporter receives a phase's own 0-100 progress.
type Reporter func(ev progress.Event)

// Result is the outcome of one phase.
type Result struct {
	Installed bool
	Message   string
}

// PhaseMetadata describes a phase to the layers that present it.
// Inputs lists what the phase may ask for through InputRequestError.
type PhaseMetadata struct {
	ID          string
	Title       string
	Description string
	Inputs      []InputDefinition
}

// InputDefinition is a value a phase needs from the operator.
// Secret values are masked when prompted and never logged.
type InputDefinition struct {
	ID          string
	Label       string
	Description string
	Required    bool
	Secret      bool
}

// InputHandler answers an InputRequestError, typically by asking the operator.
// The returned value is stored with SetInput and the phase is run again.
type InputHandler interface {
	RequestInput(phase PhaseMetadata, input InputDefinition, reason string) (any, error)
}

type InputHandlerFunc func(phase PhaseMetadata, input InputDefinition, reason string) (any, error)

func (f InputHandlerFunc) RequestInput(phase PhaseMetadata, input InputDefinition, reason string) (any, error) {
	return f(phase, input, reason)
}

// Observer receives lifecycle callbacks for each phase.
type Observer interface {
	PhaseStarted(meta PhaseMetadata)
	PhaseProgress(meta PhaseMetadata, ev progress.Event)
	PhaseCompleted(meta PhaseMetadata, result Result, err error)
}

// ObserverFunc implements Observer with optional funcs; nil fields are skipped.
type ObserverFunc struct {
	OnStart    func(meta PhaseMetadata)
	OnProgress func(meta PhaseMetadata, ev progress.Event)
	OnComplete func(meta PhaseMetadata, result Result, err error)
}

func (o ObserverFunc) PhaseStarted(meta PhaseMetadata) {
	if o.OnStart != nil {
		o.OnStart(meta)
	}
}

func (o ObserverFunc) PhaseProgress(meta PhaseMetadata, ev progress.Event) {
	if o.OnProgress != nil {
		o.OnProgress(meta, ev)
	}
}

func (o ObserverFunc) PhaseCompleted(meta PhaseMetadata, result Result, err error) {
	if o.OnComplete != nil {
		o.OnComplete(meta, result, err)
	}
}
