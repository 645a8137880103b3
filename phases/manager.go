package phases

import (
	"context"
	"errors"
	"sync"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

// Manager coordinates the ordered execution of phases.
type Manager struct {
	phases       []Phase
	observers    []Observer
	inputHandler InputHandler
}

// Report collects per-phase results of one run.
type Report struct {
	Results map[string]Result
	// Failed is the ID of the phase that stopped the run, if any.
	Failed string
}

func newReport() *Report {
	return &Report{Results: make(map[string]Result)}
}

// ManagerOption mutates manager configuration.
type ManagerOption func(*Manager)

// WithObserver registers an observer to receive lifecycle events.
func WithObserver(obs Observer) ManagerOption {
	return func(m *Manager) {
		if obs == nil {
			return
		}
		m.observers = append(m.observers, obs)
	}
}

// WithInputHandler registers a handler to satisfy input requests.
func WithInputHandler(handler InputHandler) ManagerOption {
	return func(m *Manager) {
		if handler == nil {
			return
		}
		m.inputHandler = handler
	}
}

// NewManager constructs an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m
}

// Register appends phases, returning an error on duplicate IDs.
func (m *Manager) Register(phases ...Phase) error {
	for _, p := range phases {
		if p == nil {
			continue
		}
		meta := p.Metadata()
		if meta.ID == "" {
			return RegistrationError{Reason: "id must not be empty"}
		}
		if m.hasPhase(meta.ID) {
			return RegistrationError{ID: meta.ID, Reason: "already registered"}
		}
		m.phases = append(m.phases, p)
	}
	return nil
}

// Phases lists registered phase metadata in execution order.
func (m *Manager) Phases() []PhaseMetadata {
	metas := make([]PhaseMetadata, 0, len(m.phases))
	for _, p := range m.phases {
		metas = append(metas, p.Metadata())
	}
	return metas
}

// Run executes all registered phases sequentially, stopping at the first failure.
func (m *Manager) Run(ctx context.Context, phaseCtx *Context) (*Report, error) {
	return m.run(ctx, phaseCtx, 0)
}

// RunFrom executes phases starting at the phase with the given ID.
func (m *Manager) RunFrom(ctx context.Context, phaseCtx *Context, phaseID string) (*Report, error) {
	for idx, p := range m.phases {
		if p.Metadata().ID == phaseID {
			return m.run(ctx, phaseCtx, idx)
		}
	}
	return newReport(), UnknownPhaseError{ID: phaseID}
}

func (m *Manager) run(ctx context.Context, phaseCtx *Context, start int) (*Report, error) {
	if phaseCtx == nil {
		phaseCtx = NewContext()
	}
	report := newReport()
	for _, phase := range m.phases[start:] {
		meta := phase.Metadata()
		if err := ctx.Err(); err != nil {
			report.Failed = meta.ID
			return report, err
		}
		m.notifyStart(meta)
		result, err := m.executePhase(ctx, phaseCtx, phase, meta)
		if err != nil {
			result = Result{Installed: false, Message: err.Error()}
		}
		report.Results[meta.ID] = result
		m.notifyComplete(meta, result, err)
		if err != nil {
			report.Failed = meta.ID
			return report, PhaseError{Phase: meta, Err: err}
		}
	}
	return report, nil
}

func (m *Manager) executePhase(ctx context.Context, phaseCtx *Context, phase Phase, meta PhaseMetadata) (Result, error) {
	report := m.reporter(meta)
	for {
		result, err := phase.Run(ctx, phaseCtx, report)
		if err == nil {
			return result, nil
		}
		var inputErr InputRequestError
		if errors.As(err, &inputErr) {
			if m.inputHandler == nil {
				return result, err
			}
			value, handlerErr := m.inputHandler.RequestInput(meta, inputErr.Input, inputErr.Reason)
			if handlerErr != nil {
				return result, handlerErr
			}
			SetInput(phaseCtx, inputErr.PhaseID, inputErr.Input.ID, value)
			continue
		}
		return result, err
	}
}

// reporter forwards a phase's progress to observers, never letting the
// percent fall below what was already reported for that phase.
func (m *Manager) reporter(meta PhaseMetadata) Reporter {
	var (
		mu   sync.Mutex
		last int
	)
	return func(ev progress.Event) {
		mu.Lock()
		ev.Percent = progress.Clamp(ev.Percent, 0, 100)
		if ev.Percent < last {
			ev.Percent = last
		}
		last = ev.Percent
		mu.Unlock()
		m.notifyProgress(meta, ev)
	}
}

func (m *Manager) hasPhase(id string) bool {
	for _, p := range m.phases {
		if p.Metadata().ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) notifyStart(meta PhaseMetadata) {
	for _, obs := range m.observers {
		obs.PhaseStarted(meta)
	}
}

func (m *Manager) notifyProgress(meta PhaseMetadata, ev progress.Event) {
	for _, obs := range m.observers {
		obs.PhaseProgress(meta, ev)
	}
}

func (m *Manager) notifyComplete(meta PhaseMetadata, result Result, err error) {
	for _, obs := range m.observers {
		obs.PhaseCompleted(meta, result, err)
	}
}
