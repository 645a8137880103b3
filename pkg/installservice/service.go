// Package installservice is the request-level entry point for installations:
// it validates input, holds the install lock for the duration of a run, and
// turns every outcome into an InstallResult.
package installservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/phases/compatruntime"
	"github.com/BrianJOC/gameserver-installer/phases/distclient"
	"github.com/BrianJOC/gameserver-installer/phases/linuxdeps"
	"github.com/BrianJOC/gameserver-installer/pkg/config"
	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
	"github.com/BrianJOC/gameserver-installer/utils/installlock"
	"github.com/BrianJOC/gameserver-installer/utils/logging"
	"github.com/BrianJOC/gameserver-installer/utils/pkginstaller"
)

const (
	TargetServer        = "server"
	TargetCompatRuntime = compatruntime.PhaseID
	TargetClient        = distclient.PhaseID

	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// ErrLocked is reported when another installation holds the install lock.
	ErrLocked = errors.New("another installation is already in progress")
	// ErrUnknownTarget is reported for targets the service cannot install.
	ErrUnknownTarget = errors.New("unknown install target")

	unsafeTargetChars = regexp.MustCompile(`[^a-z0-9-]+`)
)

// Targets lists what Install accepts.
func Targets() []string {
	return []string{TargetServer, TargetCompatRuntime, TargetClient}
}

// Locker is the lock contract; *installlock.Lock implements it.
type Locker interface {
	IsLocked() bool
	Acquire()
	Release()
}

// Requirements tells a caller what Install will need.
type Requirements struct {
	RequiresElevatedCredential bool
	MissingDependencies        []string
	CanProceed                 bool
	Message                    string
}

// Validation is the result of ValidateParams.
type Validation struct {
	IsValid         bool
	Error           string
	SanitizedTarget string
}

// InstallResult is the single shape every Install outcome takes.
type InstallResult struct {
	Status  string
	Target  string
	Message string
	Error   string
	Details map[string]phases.Result
	// CredentialRequired marks a missing or rejected sudo password.
	CredentialRequired bool
	Cancelled          bool
}

// CancelResult reports whether a cancel request reached a running install.
type CancelResult struct {
	Success bool
	Target  string
}

// Status describes the service's current activity.
type Status struct {
	Running     bool
	Target      string
	RunID       string
	Locked      bool
	LockedSince time.Time
}

// Service implements the install façade.
type Service struct {
	cfg         *config.Config
	lock        Locker
	logger      log.FieldLogger
	orchOpts    []serverinstall.Option
	checker     linuxdeps.Checker
	newRunID    func() string
	newOrch     func(logger log.FieldLogger) *serverinstall.Orchestrator
	lockedSince func() (time.Time, bool)
	platform    serverinstall.Platform
	platformSet bool
	keepLock    bool

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	id     string
	target string
	cancel context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

// WithLock replaces the file lock under the install root.
func WithLock(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.lock = l
		}
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOrchestratorOptions forwards options to every orchestrator the service builds.
func WithOrchestratorOptions(opts ...serverinstall.Option) Option {
	return func(s *Service) {
		s.orchOpts = append(s.orchOpts, opts...)
	}
}

// WithPlatform overrides platform detection for requirement checks and runs.
func WithPlatform(p serverinstall.Platform) Option {
	return func(s *Service) {
		s.platform = p
		s.platformSet = true
	}
}

// WithDependencyChecker overrides how missing packages are detected.
func WithDependencyChecker(fn linuxdeps.Checker) Option {
	return func(s *Service) {
		if fn != nil {
			s.checker = fn
		}
	}
}

// KeepExistingLock skips the stale-lock cleanup in New. Callers that share
// the install root with other processes use it and remove stale locks
// explicitly.
func KeepExistingLock() Option {
	return func(s *Service) { s.keepLock = true }
}

// New builds the service and clears any lock left behind by a previous process.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:      cfg,
		logger:   log.StandardLogger(),
		platform: serverinstall.CurrentPlatform(),
		newRunID: func() string { return uuid.New().String() },
		checker: func(deps []pkginstaller.Dependency) []pkginstaller.Dependency {
			return pkginstaller.Missing(deps, nil)
		},
	}
	fileLock := installlock.New(cfg.InstallRoot)
	s.lock = fileLock
	s.lockedSince = fileLock.AcquiredAt
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if fileLock != s.lock {
		s.lockedSince = func() (time.Time, bool) { return time.Time{}, false }
	}
	s.newOrch = func(logger log.FieldLogger) *serverinstall.Orchestrator {
		opts := []serverinstall.Option{
			serverinstall.WithLogger(logger),
			serverinstall.WithDependencyChecker(s.checker),
		}
		if s.platformSet {
			opts = append(opts, serverinstall.WithPlatform(s.platform))
		}
		return serverinstall.New(s.cfg, append(opts, s.orchOpts...)...)
	}

	if !s.keepLock && s.lock.IsLocked() {
		if since, ok := s.lockedSince(); ok {
			s.logger.Warnf("removing stale install lock from %s", since.Format(time.RFC3339))
		} else {
			s.logger.Warn("removing stale install lock")
		}
		s.lock.Release()
	}
	return s
}

// SanitizeTarget lowercases target and strips everything but letters, digits and dashes.
func SanitizeTarget(target string) string {
	target = strings.ToLower(strings.TrimSpace(target))
	return unsafeTargetChars.ReplaceAllString(target, "")
}

func knownTarget(target string) bool {
	for _, t := range Targets() {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateParams checks a request before it reaches Install.
func (s *Service) ValidateParams(target string, credential *string) Validation {
	sanitized := SanitizeTarget(target)
	if sanitized == "" {
		return Validation{Error: "target must be a non-empty string"}
	}
	if sanitized != strings.ToLower(strings.TrimSpace(target)) {
		return Validation{Error: fmt.Sprintf("target %q may only contain letters, digits and dashes", strings.TrimSpace(target))}
	}
	if credential != nil && strings.ContainsAny(*credential, "\r\n\x00") {
		return Validation{Error: "credential must be a single-line string", SanitizedTarget: sanitized}
	}
	return Validation{IsValid: true, SanitizedTarget: sanitized}
}

// CheckRequirements reports what Install(target) needs. It never changes state.
func (s *Service) CheckRequirements(target string) Requirements {
	valid := s.ValidateParams(target, nil)
	if !valid.IsValid {
		return Requirements{Message: valid.Error}
	}
	target = valid.SanitizedTarget
	if !knownTarget(target) {
		return Requirements{Message: fmt.Sprintf("%v: %q", ErrUnknownTarget, target)}
	}
	if s.lock.IsLocked() {
		return Requirements{Message: ErrLocked.Error()}
	}
	req := Requirements{CanProceed: true, Message: "Ready to install."}
	if target != TargetServer || !s.platform.RequiresLinuxDeps() {
		return req
	}
	missing := s.checker(s.cfg.RequiredDependencies)
	if len(missing) == 0 {
		return req
	}
	req.RequiresElevatedCredential = true
	for _, dep := range missing {
		req.MissingDependencies = append(req.MissingDependencies, dep.Name)
	}
	req.Message = fmt.Sprintf("Administrator password required to install: %s.", linuxdeps.Names(missing))
	return req
}

// Install runs target while holding the install lock. It never panics and
// always releases the lock it acquired.
func (s *Service) Install(ctx context.Context, target string, onProgress func(serverinstall.Event), credential *string) (result InstallResult) {
	valid := s.ValidateParams(target, credential)
	if !valid.IsValid {
		return errorResult(target, errors.New(valid.Error))
	}
	target = valid.SanitizedTarget
	if !knownTarget(target) {
		return errorResult(target, fmt.Errorf("%w: %q", ErrUnknownTarget, target))
	}

	s.mu.Lock()
	if s.active != nil || s.lock.IsLocked() {
		s.mu.Unlock()
		return errorResult(target, ErrLocked)
	}
	s.lock.Acquire()
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{id: s.newRunID(), target: target, cancel: cancel}
	s.active = run
	s.mu.Unlock()

	logger := logging.WithRun(s.logger, run.id, target)
	defer func() {
		cancel()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		s.lock.Release()
		logger.Info("install lock released")
	}()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("install panicked: %v", rec)
			result = errorResult(target, fmt.Errorf("internal error: %v", rec))
		}
	}()

	logger.Info("installation started")
	pass := ""
	if credential != nil {
		pass = *credential
	}
	orch := s.newOrch(logger)

	var res serverinstall.Result
	if target == TargetServer {
		res = orch.Install(runCtx, pass, onProgress)
	} else {
		res = orch.InstallPhase(runCtx, target, pass, onProgress)
		if r, ok := res.Details[target]; ok && res.Success {
			res.Message = r.Message
		}
	}
	return fromServerResult(target, res)
}

// Cancel stops a running server install. Other targets are not cancellable
// and report Success false.
func (s *Service) Cancel(target string) CancelResult {
	target = SanitizeTarget(target)
	out := CancelResult{Target: target}
	if target != TargetServer {
		return out
	}
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil || run.target != TargetServer {
		return out
	}
	s.logger.WithField("run", run.id).Info("cancel requested")
	run.cancel()
	out.Success = true
	return out
}

// Status reports the active run and lock state.
func (s *Service) Status() Status {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	st := Status{Locked: s.lock.IsLocked()}
	if run != nil {
		st.Running = true
		st.Target = run.target
		st.RunID = run.id
	}
	if st.Locked {
		if since, ok := s.lockedSince(); ok {
			st.LockedSince = since
		}
	}
	return st
}

func fromServerResult(target string, res serverinstall.Result) InstallResult {
	out := InstallResult{
		Target:             target,
		Message:            res.Message,
		Details:            res.Details,
		CredentialRequired: res.CredentialRequired,
		Cancelled:          res.Cancelled,
	}
	if res.Success {
		out.Status = StatusSuccess
		return out
	}
	out.Status = StatusError
	out.Error = fmt.Sprintf("%s install: %s", target, res.Message)
	return out
}

func errorResult(target string, err error) InstallResult {
	return InstallResult{
		Status:  StatusError,
		Target:  target,
		Message: err.Error(),
		Error:   err.Error(),
	}
}
