// Package serverinstall sequences the phases that install a dedicated game
// server: system packages, Wine, SteamCMD, the server files and a final check.
package serverinstall

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/pkg/config"
	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/phases/compatruntime"
	"github.com/BrianJOC/gameserver-installer/phases/distclient"
	"github.com/BrianJOC/gameserver-installer/phases/linuxdeps"
	"github.com/BrianJOC/gameserver-installer/phases/payload"
	"github.com/BrianJOC/gameserver-installer/phases/validation"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
	"github.com/BrianJOC/gameserver-installer/utils/steamcmd"
	"github.com/BrianJOC/gameserver-installer/utils/wine"
)

// Event is the orchestrator's progress unit. PhasePercent is local to Phase;
// presentation layers combine it with OverallPhase/TotalPhases as they like.
type Event struct {
	Step         progress.Step
	Message      string
	Phase        string
	PhasePercent int
	OverallPhase int
	TotalPhases  int
}

// Result aggregates one run.
type Result struct {
	Success bool
	Message string
	Details map[string]phases.Result
	// CredentialRequired is set when a phase stopped for lack of a sudo password.
	CredentialRequired bool
	Cancelled          bool
}

// Platform describes the machine being installed on.
type Platform struct {
	OS string
}

// CurrentPlatform reports the running OS.
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS}
}

// RequiresLinuxDeps reports whether system packages are managed here.
func (p Platform) RequiresLinuxDeps() bool {
	return p.OS == "linux"
}

// RequiresCompatRuntime reports whether a Windows-only server needs Wine.
func (p Platform) RequiresCompatRuntime(windowsOnlyServer bool) bool {
	return windowsOnlyServer && p.OS != "windows"
}

// ClientInstaller is satisfied by *steamcmd.Installer.
type ClientInstaller interface {
	distclient.Installer
	payload.Installer
}

// Orchestrator builds and runs the installation pipeline.
type Orchestrator struct {
	cfg          *config.Config
	platform     Platform
	logger       log.FieldLogger
	spawner      procrunner.Spawner
	compat       compatruntime.Installer
	client       ClientInstaller
	checker      linuxdeps.Checker
	elevator     linuxdeps.Elevator
	depInstaller linuxdeps.InstallerFunc
	inputHandler phases.InputHandler
	observers    []phases.Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPlatform(p Platform) Option {
	return func(o *Orchestrator) { o.platform = p }
}

func WithLogger(logger log.FieldLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSpawner sets the spawner used by the default Wine and SteamCMD installers.
func WithSpawner(s procrunner.Spawner) Option {
	return func(o *Orchestrator) { o.spawner = s }
}

func WithCompatInstaller(inst compatruntime.Installer) Option {
	return func(o *Orchestrator) { o.compat = inst }
}

func WithClientInstaller(inst ClientInstaller) Option {
	return func(o *Orchestrator) { o.client = inst }
}

func WithDependencyChecker(fn linuxdeps.Checker) Option {
	return func(o *Orchestrator) { o.checker = fn }
}

func WithElevator(fn linuxdeps.Elevator) Option {
	return func(o *Orchestrator) { o.elevator = fn }
}

func WithDependencyInstaller(fn linuxdeps.InstallerFunc) Option {
	return func(o *Orchestrator) { o.depInstaller = fn }
}

// WithInputHandler lets an interactive caller supply credentials when a phase asks.
func WithInputHandler(h phases.InputHandler) Option {
	return func(o *Orchestrator) { o.inputHandler = h }
}

func WithObserver(obs phases.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// New returns an orchestrator for cfg.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		platform: CurrentPlatform(),
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.compat == nil {
		o.compat = wine.New(cfg.InstallRoot,
			wine.WithURL(cfg.WineURL),
			wine.WithSpawner(o.spawner),
			wine.WithLogger(o.logger))
	}
	if o.client == nil {
		o.client = steamcmd.New(cfg.InstallRoot,
			steamcmd.WithURLs(cfg.SteamCMDURL, cfg.SteamCMDWindowsURL),
			steamcmd.WithWindows(o.platform.OS == "windows"),
			steamcmd.WithSpawner(o.spawner),
			steamcmd.WithLogger(o.logger))
	}
	return o
}

// Pipeline returns the ordered phases.
func (o *Orchestrator) Pipeline() []phases.Phase {
	deps := linuxdeps.New(o.cfg.RequiredDependencies, o.platform.RequiresLinuxDeps()).
		WithChecker(o.checker).
		WithElevator(o.elevator).
		WithInstaller(o.depInstaller)
	return []phases.Phase{
		deps,
		compatruntime.New(o.compat, o.platform.RequiresCompatRuntime(o.cfg.WindowsOnlyServer)),
		distclient.New(o.client),
		payload.New(o.client, steamcmd.PayloadRequest{
			AppID:                o.cfg.AppID,
			InstallDir:           o.cfg.ServerPath(),
			ForceWindowsPlatform: o.cfg.WindowsOnlyServer && o.platform.OS != "windows",
			EstimatedBytes:       o.cfg.EstimatedPayloadBytes,
		}),
		validation.New(o.cfg.ServerPath(), o.cfg.ExecutablePath()),
	}
}

// Manager builds a phase manager over the full pipeline whose events are
// translated for onEvent.
func (o *Orchestrator) Manager(onEvent func(Event)) (*phases.Manager, error) {
	return o.manager(o.Pipeline(), onEvent)
}

func (o *Orchestrator) manager(pipeline []phases.Phase, onEvent func(Event)) (*phases.Manager, error) {
	opts := []phases.ManagerOption{
		phases.WithObserver(newEventObserver(pipeline, onEvent, o.logger)),
		phases.WithInputHandler(o.inputHandler),
	}
	for _, obs := range o.observers {
		opts = append(opts, phases.WithObserver(obs))
	}
	manager := phases.NewManager(opts...)
	if err := manager.Register(pipeline...); err != nil {
		return nil, err
	}
	return manager, nil
}

// Install runs every phase. Cancelling ctx stops the active process and
// ends the run with Result.Cancelled set.
func (o *Orchestrator) Install(ctx context.Context, credential string, onEvent func(Event)) Result {
	return o.InstallFrom(ctx, "", credential, onEvent)
}

// InstallFrom resumes the pipeline at phaseID. An empty phaseID runs everything.
func (o *Orchestrator) InstallFrom(ctx context.Context, phaseID, credential string, onEvent func(Event)) Result {
	return o.run(ctx, o.Pipeline(), phaseID, credential, onEvent)
}

// InstallPhase runs the single phase phaseID on its own.
func (o *Orchestrator) InstallPhase(ctx context.Context, phaseID, credential string, onEvent func(Event)) Result {
	for _, p := range o.Pipeline() {
		if p.Metadata().ID == phaseID {
			return o.run(ctx, []phases.Phase{p}, "", credential, onEvent)
		}
	}
	return o.Summarize(nil, phases.UnknownPhaseError{ID: phaseID})
}

func (o *Orchestrator) run(ctx context.Context, pipeline []phases.Phase, from, credential string, onEvent func(Event)) Result {
	manager, err := o.manager(pipeline, onEvent)
	if err != nil {
		return o.Summarize(nil, err)
	}

	phaseCtx := phases.NewContext()
	if credential != "" {
		phases.SetInput(phaseCtx, linuxdeps.PhaseID, linuxdeps.InputPassword, credential)
	}

	var report *phases.Report
	if from == "" {
		report, err = manager.Run(ctx, phaseCtx)
	} else {
		report, err = manager.RunFrom(ctx, phaseCtx, from)
	}
	return o.Summarize(report, err)
}

// Summarize turns a manager run into a Result. Callers that drive the
// Manager themselves use it to get the same outcome Install reports.
func (o *Orchestrator) Summarize(report *phases.Report, err error) Result {
	res := Result{Details: map[string]phases.Result{}}
	if report != nil {
		res.Details = report.Results
	}
	if err == nil {
		res.Success = true
		res.Message = "Server installed successfully."
		o.logger.Info(res.Message)
		return res
	}

	if errors.Is(err, procrunner.ErrCancelled) || errors.Is(err, context.Canceled) {
		res.Cancelled = true
		res.Message = "Installation cancelled."
		o.logger.Info(res.Message)
		return res
	}

	var inputErr phases.InputRequestError
	if errors.As(err, &inputErr) && inputErr.Input.Secret {
		res.CredentialRequired = true
		res.Message = fmt.Sprintf("Administrator password required: %s.", inputErr.Reason)
		o.logger.Warn(res.Message)
		return res
	}

	var execErr phases.PhaseError
	if errors.As(err, &execErr) {
		res.Message = fmt.Sprintf("%s failed: %v", execErr.Phase.Title, execErr.Err)
	} else {
		res.Message = err.Error()
	}
	o.logger.Warn(res.Message)
	return res
}

type eventObserver struct {
	mu       sync.Mutex
	index    map[string]int
	percents map[string]int
	total    int
	onEvent  func(Event)
	logger   log.FieldLogger
}

func newEventObserver(pipeline []phases.Phase, onEvent func(Event), logger log.FieldLogger) *eventObserver {
	index := make(map[string]int, len(pipeline))
	for idx, p := range pipeline {
		index[p.Metadata().ID] = idx + 1
	}
	return &eventObserver{index: index, percents: make(map[string]int), total: len(pipeline), onEvent: onEvent, logger: logger}
}

func (e *eventObserver) PhaseStarted(meta phases.PhaseMetadata) {
	e.logger.Infof("phase %s started", meta.ID)
	e.emit(meta, progress.StepInstall, 0, fmt.Sprintf("Starting %s...", meta.Title))
}

func (e *eventObserver) PhaseProgress(meta phases.PhaseMetadata, ev progress.Event) {
	e.emit(meta, ev.Step, ev.Percent, ev.Message)
}

func (e *eventObserver) PhaseCompleted(meta phases.PhaseMetadata, result phases.Result, err error) {
	if err != nil {
		if errors.Is(err, procrunner.ErrCancelled) {
			e.logger.Infof("phase %s cancelled", meta.ID)
			return
		}
		e.logger.Warnf("phase %s failed: %v", meta.ID, err)
		e.emit(meta, progress.StepError, -1, fmt.Sprintf("%s failed: %v", meta.Title, err))
		return
	}
	e.logger.Infof("phase %s completed: %s", meta.ID, result.Message)
	e.emit(meta, progress.StepComplete, 100, result.Message)
}

// emit sends an event; a negative percent keeps the last value of the phase.
func (e *eventObserver) emit(meta phases.PhaseMetadata, step progress.Step, pct int, msg string) {
	if e.onEvent == nil {
		return
	}
	e.mu.Lock()
	if pct < 0 {
		pct = e.percents[meta.ID]
	}
	e.percents[meta.ID] = pct
	ev := Event{
		Step:         step,
		Message:      msg,
		Phase:        meta.ID,
		PhasePercent: pct,
		OverallPhase: e.index[meta.ID],
		TotalPhases:  e.total,
	}
	e.mu.Unlock()
	e.onEvent(ev)
}
