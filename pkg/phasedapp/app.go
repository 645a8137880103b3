// Package phasedapp is the interactive front end for a server installation.
// It runs the serverinstall pipeline inside a Bubble Tea program, draws each
// phase's progress and asks for the sudo password when a phase needs it.
package phasedapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	textinput "github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/pkg/config"
	"github.com/BrianJOC/gameserver-installer/pkg/installservice"
	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
	"github.com/BrianJOC/gameserver-installer/utils/installlock"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

var (
	// ErrProgramRunning is returned by Start while a previous Start has not returned.
	ErrProgramRunning = errors.New("phasedapp: program already running")

	errInputClosed    = errors.New("phasedapp: program exited before input was provided")
	errInputCancelled = errors.New("input cancelled")
)

const maxLogLines = 20

// Config is what New assembles an App from.
type Config struct {
	Install             *config.Config
	Lock                installservice.Locker
	Logger              log.FieldLogger
	OrchestratorOptions []serverinstall.Option
	ProgramOptions      []tea.ProgramOption
}

type Option func(*Config)

// WithLock replaces the file lock under the install root.
func WithLock(l installservice.Locker) Option {
	return func(cfg *Config) {
		if l != nil {
			cfg.Lock = l
		}
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithOrchestratorOptions appends options for the pipeline, such as
// replacement installers in tests.
func WithOrchestratorOptions(opts ...serverinstall.Option) Option {
	return func(cfg *Config) {
		cfg.OrchestratorOptions = append(cfg.OrchestratorOptions, opts...)
	}
}

func WithProgramOptions(opts ...tea.ProgramOption) Option {
	return func(cfg *Config) {
		cfg.ProgramOptions = append(cfg.ProgramOptions, opts...)
	}
}

// App runs one interactive installation at a time and holds the install lock
// for as long as its program is up.
type App struct {
	cfg Config

	mu      sync.Mutex
	program *tea.Program
	busy    bool
}

// New validates installCfg and returns an App for it.
func New(installCfg *config.Config, opts ...Option) (*App, error) {
	if installCfg == nil {
		installCfg = config.Default()
	}
	if err := installCfg.Validate(); err != nil {
		return nil, err
	}
	cfg := Config{Install: installCfg, Logger: log.StandardLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Lock == nil {
		cfg.Lock = installlock.New(installCfg.InstallRoot, installlock.WithLogger(cfg.Logger))
	}
	return &App{cfg: cfg}, nil
}

// Start installs every phase and returns when the operator quits.
func (a *App) Start(ctx context.Context) error {
	return a.run(ctx, "")
}

// StartFrom skips the phases before phaseID.
func (a *App) StartFrom(ctx context.Context, phaseID string) error {
	return a.run(ctx, phaseID)
}

// Stop asks a running program to quit. The install it drives is cancelled
// before Start returns.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.program != nil {
		a.program.Quit()
	}
	return nil
}

func (a *App) run(ctx context.Context, from string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	switch {
	case a.busy:
		a.mu.Unlock()
		return ErrProgramRunning
	case a.cfg.Lock.IsLocked():
		a.mu.Unlock()
		return installservice.ErrLocked
	}
	a.busy = true
	a.mu.Unlock()

	a.cfg.Lock.Acquire()
	defer func() {
		a.cfg.Lock.Release()
		a.mu.Lock()
		a.program, a.busy = nil, false
		a.mu.Unlock()
	}()

	installCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m, err := newModel(installCtx, a.cfg, from)
	if err != nil {
		return err
	}

	program := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithContext(ctx)}, a.cfg.ProgramOptions...)...)
	a.mu.Lock()
	a.program = program
	a.mu.Unlock()

	_, err = program.Run()

	// the install goroutine must be gone before the lock is released
	cancel()
	m.shutdown()
	return err
}

type phaseStatus int

const (
	statusPending phaseStatus = iota
	statusRunning
	statusSuccess
	statusFailed
	statusCancelled
)

func (s phaseStatus) String() string { return statusLabel(s) }

type focusArea int

const (
	focusPhases focusArea = iota
	focusPrompt
)

type phaseState struct {
	meta    phases.PhaseMetadata
	status  phaseStatus
	step    progress.Step
	percent int
	message string
	err     error
	logs    []string
}

func (st *phaseState) reset() {
	st.status = statusPending
	st.step = ""
	st.percent = 0
	st.message = ""
	st.err = nil
	st.logs = nil
}

// inputKey identifies one answered input across restarts.
type inputKey struct {
	phase, input string
}

type model struct {
	ctx      context.Context
	orch     *serverinstall.Orchestrator
	manager  *phases.Manager
	phaseCtx *phases.Context
	bridge   *bridge
	broker   *promptBroker

	cancelInstall context.CancelFunc
	installs      sync.WaitGroup
	running       bool
	result        *serverinstall.Result
	from          string

	phases   map[string]*phaseState
	order    []string
	selected int
	focus    focusArea

	spinner spinner.Model
	bar     progressbar.Model

	prompt    textinput.Model
	request   *inputRequestMsg
	prompting bool
	answers   map[inputKey]any
	redact    redactor

	actionsVisible bool
	helpVisible    bool
	statusMsg      string

	width, height int
}

func newModel(ctx context.Context, cfg Config, from string) (*model, error) {
	b := newBridge()
	broker := newPromptBroker(b)

	orch := serverinstall.New(cfg.Install, append(append(
		[]serverinstall.Option{serverinstall.WithLogger(cfg.Logger)},
		cfg.OrchestratorOptions...),
		serverinstall.WithInputHandler(broker),
		serverinstall.WithObserver(phases.ObserverFunc{
			OnStart: func(meta phases.PhaseMetadata) {
				b.post(phaseStartedMsg{meta: meta})
			},
			OnComplete: func(meta phases.PhaseMetadata, result phases.Result, err error) {
				b.post(phaseCompletedMsg{meta: meta, result: result, err: err})
			},
		}),
	)...)
	manager, err := orch.Manager(func(ev serverinstall.Event) {
		b.post(progressMsg{event: ev})
	})
	if err != nil {
		return nil, err
	}

	m := &model{
		ctx:       ctx,
		orch:      orch,
		manager:   manager,
		phaseCtx:  phases.NewContext(),
		bridge:    b,
		broker:    broker,
		from:      from,
		phases:    make(map[string]*phaseState),
		answers:   make(map[inputKey]any),
		bar:       progressbar.New(progressbar.WithDefaultGradient(), progressbar.WithWidth(30)),
		prompt:    textinput.New(),
		statusMsg: "Preparing installation…",
	}
	m.spinner = spinner.New()
	m.spinner.Spinner = spinner.Dot
	for _, meta := range manager.Phases() {
		m.phases[meta.ID] = &phaseState{meta: meta}
		m.order = append(m.order, meta.ID)
	}
	if _, ok := m.phases[from]; from != "" && !ok {
		return nil, phases.UnknownPhaseError{ID: from}
	}
	return m, nil
}

func (m *model) Init() tea.Cmd {
	m.launch(m.from)
	return tea.Batch(m.bridge.next(), m.spinner.Tick)
}

// launch runs the manager on its own goroutine, starting at from when set.
// Everything it reports comes back through the bridge.
func (m *model) launch(from string) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelInstall = cancel
	m.running = true
	m.actionsVisible = false
	m.result = nil

	manager, phaseCtx, orch, b := m.manager, m.phaseCtx, m.orch, m.bridge
	m.installs.Add(1)
	go func() {
		defer m.installs.Done()
		defer cancel()
		var (
			report *phases.Report
			err    error
		)
		if from == "" {
			report, err = manager.Run(ctx, phaseCtx)
		} else {
			report, err = manager.RunFrom(ctx, phaseCtx, from)
		}
		b.post(runFinishedMsg{result: orch.Summarize(report, err)})
	}()
}

// shutdown unblocks the install goroutine and waits for it.
func (m *model) shutdown() {
	m.bridge.shutdown()
	m.installs.Wait()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		shrunk := msg.Width < m.width || msg.Height < m.height
		m.width, m.height = msg.Width, msg.Height
		if shrunk {
			return m, tea.ClearScreen
		}
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case phaseStartedMsg:
		m.onPhaseStarted(msg.meta)
	case progressMsg:
		m.onProgress(msg.event)
	case phaseCompletedMsg:
		m.onPhaseCompleted(msg)
	case inputRequestMsg:
		m.openPrompt(msg)
	case runFinishedMsg:
		m.running = false
		m.cancelInstall = nil
		m.result = &msg.result
		m.setStatus(msg.result.Message)
	default:
		return m, nil
	}
	return m, m.bridge.next()
}

func (m *model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		m.cancel()
		return tea.Quit
	}
	if m.actionsVisible {
		m.handleActionKey(msg)
		return nil
	}

	typing := m.prompting && m.focus == focusPrompt
	if !typing && m.navigate(msg) {
		return nil
	}

	switch msg.Type {
	case tea.KeyCtrlR:
		m.restart()
		return nil
	case tea.KeyEnter:
		switch {
		case typing:
			m.submitPrompt()
		case !m.prompting:
			m.actionsVisible = true
			m.helpVisible = false
		}
		return nil
	case tea.KeyEsc:
		m.dismiss()
		return nil
	case tea.KeyTab, tea.KeyShiftTab:
		if m.prompting {
			m.toggleFocus()
		}
		return nil
	}

	if typing {
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return cmd
	}
	if msg.Type != tea.KeyRunes || len(msg.Runes) != 1 {
		return nil
	}
	switch msg.Runes[0] {
	case 'r', 'R':
		m.restart()
	case 'x', 'X':
		m.cancel()
	case 'q', 'Q':
		if !m.running {
			return tea.Quit
		}
		m.setStatus("Installation running; press x to cancel or Ctrl+C to quit")
	case '?', 'h', 'H':
		m.helpVisible = !m.helpVisible
	}
	return nil
}

func (m *model) onPhaseStarted(meta phases.PhaseMetadata) {
	if st := m.phases[meta.ID]; st != nil {
		st.status = statusRunning
		st.err = nil
		m.appendLog(st, meta.Title+" started")
	}
	m.selectPhase(meta.ID)
	m.setStatusf("Running %s", meta.Title)
}

func (m *model) onProgress(ev serverinstall.Event) {
	st := m.phases[ev.Phase]
	if st == nil {
		return
	}
	if ev.PhasePercent > st.percent {
		st.percent = ev.PhasePercent
	}
	if ev.Step != "" {
		st.step = ev.Step
	}
	if ev.Message == "" || ev.Message == st.message {
		return
	}
	st.message = ev.Message
	m.appendLog(st, ev.Message)
	if st.status == statusRunning {
		m.setStatusf("%s: %s", st.meta.Title, ev.Message)
	}
}

func (m *model) onPhaseCompleted(msg phaseCompletedMsg) {
	st := m.phases[msg.meta.ID]
	if st == nil {
		return
	}
	title := msg.meta.Title
	switch {
	case msg.err == nil:
		st.status = statusSuccess
		st.err = nil
		st.percent = 100
		if msg.result.Message != "" {
			st.message = msg.result.Message
		}
		m.appendLog(st, title+" completed")
		m.setStatusf("%s completed", title)
	case errors.Is(msg.err, procrunner.ErrCancelled), errors.Is(msg.err, context.Canceled):
		st.status = statusCancelled
		st.err = msg.err
		m.appendLog(st, title+" cancelled")
	default:
		st.status = statusFailed
		st.err = msg.err
		m.appendLog(st, fmt.Sprintf("%s failed: %v", title, msg.err))
		m.setStatusf("%s failed: %v", title, msg.err)
	}
}

func (m *model) openPrompt(req inputRequestMsg) {
	req.reason = promptReason(req.input, req.reason)
	m.request = &req
	m.prompting = true
	m.focus = focusPrompt
	m.actionsVisible = false
	m.helpVisible = false

	m.prompt.Reset()
	m.prompt.Placeholder = req.input.Label
	m.prompt.EchoMode = textinput.EchoNormal
	if req.input.Secret {
		m.prompt.Placeholder = "enter value"
		m.prompt.EchoMode = textinput.EchoPassword
		m.prompt.EchoCharacter = '•'
	}
	m.prompt.Focus()
	m.setStatusf("%s needs %s", req.meta.Title, req.input.Label)
}

func (m *model) submitPrompt() {
	if m.request == nil {
		return
	}
	input := m.request.input
	value := m.prompt.Value()
	if !input.Secret {
		value = strings.TrimSpace(value)
	}
	if value == "" && input.Required {
		m.setStatus("Input required")
		return
	}

	phaseID := m.request.meta.ID
	m.answers[inputKey{phaseID, input.ID}] = value
	if input.Secret {
		m.redact.add(value)
	}
	phases.SetInput(m.phaseCtx, phaseID, input.ID, value)
	m.broker.answer(value, nil)
	m.closePrompt()
	m.setStatus("Input submitted")
}

func (m *model) closePrompt() {
	m.prompting = false
	m.request = nil
	m.prompt.Reset()
	m.prompt.EchoMode = textinput.EchoNormal
	m.prompt.Blur()
	m.focus = focusPhases
}

// dismiss closes whichever overlay is on top.
func (m *model) dismiss() {
	switch {
	case m.actionsVisible:
		m.actionsVisible = false
	case m.helpVisible:
		m.helpVisible = false
	case m.prompting:
		m.broker.answer(nil, errInputCancelled)
		m.closePrompt()
		m.setStatus("Input cancelled")
	}
}

func (m *model) toggleFocus() {
	if m.focus == focusPrompt {
		m.focus = focusPhases
		m.prompt.Blur()
		return
	}
	m.focus = focusPrompt
	m.prompt.Focus()
}

func (m *model) cancel() {
	if !m.running || m.cancelInstall == nil {
		m.setStatus("No installation running")
		return
	}
	if m.prompting {
		m.broker.answer(nil, errInputCancelled)
		m.closePrompt()
	}
	m.cancelInstall()
	m.setStatus("Cancelling installation…")
}

// restart reruns every phase with a fresh context seeded with earlier answers.
func (m *model) restart() {
	if m.running {
		m.setStatus("Installation already running")
		return
	}
	m.phaseCtx = phases.NewContext()
	for key, value := range m.answers {
		phases.SetInput(m.phaseCtx, key.phase, key.input, value)
	}
	m.resetFrom(0)
	m.selected = 0
	m.setStatus("Restarting installation")
	m.launch("")
}

func (m *model) retryFromSelected() {
	if m.running {
		m.setStatus("Installation already running")
		return
	}
	st := m.selectedState()
	if st == nil {
		return
	}
	m.resetFrom(m.selected)
	m.setStatusf("Retrying from %s", st.meta.Title)
	m.launch(st.meta.ID)
}

func (m *model) resetFrom(start int) {
	for _, id := range m.order[start:] {
		m.phases[id].reset()
	}
	m.result = nil
}

func (m *model) selectPhase(id string) {
	for idx, phaseID := range m.order {
		if phaseID == id {
			m.selected = idx
			return
		}
	}
}

func (m *model) selectedState() *phaseState {
	if m.selected < 0 || m.selected >= len(m.order) {
		return nil
	}
	return m.phases[m.order[m.selected]]
}

// handleActionKey serves the panel opened with Enter on a phase.
// Any key closes it.
func (m *model) handleActionKey(msg tea.KeyMsg) {
	defer func() { m.actionsVisible = false }()
	if msg.Type != tea.KeyRunes || len(msg.Runes) != 1 {
		return
	}
	switch msg.Runes[0] {
	case '2', 'r', 'R':
		m.retryFromSelected()
	case '3', 'c', 'C':
		m.copySelectedError()
	}
}

func (m *model) copySelectedError() {
	st := m.selectedState()
	if st == nil || st.err == nil {
		m.setStatus("No error to copy")
		return
	}
	if err := clipboard.WriteAll(m.redact.apply(st.err.Error())); err != nil {
		m.setStatus("Failed to copy error")
		return
	}
	m.setStatus("Error copied to clipboard")
}

func (m *model) navigate(msg tea.KeyMsg) bool {
	delta := 0
	switch {
	case msg.Type == tea.KeyUp, msg.Type == tea.KeyRunes && string(msg.Runes) == "k":
		delta = -1
	case msg.Type == tea.KeyDown, msg.Type == tea.KeyRunes && string(msg.Runes) == "j":
		delta = 1
	}
	if delta == 0 || len(m.order) == 0 {
		return delta != 0
	}
	m.selected = (m.selected + delta + len(m.order)) % len(m.order)
	return true
}

func (m *model) appendLog(st *phaseState, line string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), m.redact.apply(line))
	st.logs = append(st.logs, entry)
	if len(st.logs) > maxLogLines {
		st.logs = st.logs[len(st.logs)-maxLogLines:]
	}
}

func (m *model) setStatus(msg string) {
	m.statusMsg = m.redact.apply(msg)
}

func (m *model) setStatusf(format string, args ...any) {
	m.setStatus(fmt.Sprintf(format, args...))
}
