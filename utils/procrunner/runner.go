// Package procrunner executes installer commands, turns their output into
// monotonic progress, and optionally chains an extraction command once the
// download succeeds.
//
// A Runner is single-shot: create one per installation run. Cancellation is
// cooperative. Once Cancel takes effect every later output or exit callback
// of that run is ignored and the done callback is never invoked.
package procrunner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const (
	extractStep    = 2
	extractCeiling = 99
	readBufferSize = 4096
)

// SuccessDetector recognises tool-specific success markers that override a
// non-zero exit code. Only tools known to exit non-zero on success carry one.
type SuccessDetector interface {
	Succeeded(output string) bool
}

// Spec describes one installer job.
type Spec struct {
	// Subject names what is being installed in user-facing messages.
	Subject             string
	Command             Command
	EstimatedTotalBytes int64
	// PhaseSplitPercent is where the download hands off to extraction.
	// Zero means progress.DefaultPhaseSplit with an extract phase, 100 without.
	PhaseSplitPercent int
	Parser            progress.Parser
	Success           SuccessDetector
	// Extract returns the follow-up command, or nil when there is none.
	Extract func() *Spec
}

func (s Spec) split() int {
	if s.PhaseSplitPercent > 0 {
		return progress.Clamp(s.PhaseSplitPercent, 0, 100)
	}
	if s.Extract != nil {
		return progress.DefaultPhaseSplit
	}
	return 100
}

// DoneFunc receives the accumulated output and the outcome.
type DoneFunc func(output string, err error)

type slot int

const (
	slotPrimary slot = iota
	slotExtract
)

func (s slot) String() string {
	if s == slotExtract {
		return "extract"
	}
	return "primary"
}

type handle struct {
	slot     slot
	proc     Process
	detached bool
}

// Runner owns at most one live process per slot.
type Runner struct {
	spawner Spawner
	logger  log.FieldLogger

	// emitMu orders progress delivery against Cancel. It is taken before mu.
	emitMu sync.Mutex

	mu               sync.Mutex
	started          bool
	finished         bool
	primary          *handle
	extract          *handle
	primaryCancelled bool
	extractCancelled bool
	cancelled        chan struct{}

	spec           Spec
	onProgress     progress.Func
	done           DoneFunc
	lastPercent    int
	extractPercent int
	extractCommand Command
	lastEvent      progress.Event
	output         strings.Builder
	extractOutput  strings.Builder
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a runner using spawner. A nil spawner means PTYSpawner{}.
func New(spawner Spawner, opts ...Option) *Runner {
	if spawner == nil {
		spawner = PTYSpawner{}
	}
	r := &Runner{
		spawner:   spawner,
		logger:    log.StandardLogger(),
		cancelled: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start launches spec and returns immediately. Progress and completion are
// delivered from the runner's goroutines.
func (r *Runner) Start(spec Spec, onProgress progress.Func, done DoneFunc) {
	if done == nil {
		done = func(string, error) {}
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		done("", ErrAlreadyStarted)
		return
	}
	r.started = true
	r.spec = spec
	r.onProgress = onProgress
	r.done = done
	r.mu.Unlock()

	r.publish(progress.Event{Percent: 0, Step: progress.StepDownload, Message: fmt.Sprintf("Checking %s...", spec.Subject)})
	r.spawn(slotPrimary, spec)
}

// Run starts spec and blocks until it completes, ctx is done, or Cancel is
// called. Cancellation yields ErrCancelled.
func (r *Runner) Run(ctx context.Context, spec Spec, onProgress progress.Func) (string, error) {
	type result struct {
		output string
		err    error
	}
	results := make(chan result, 1)
	r.Start(spec, onProgress, func(output string, err error) {
		results <- result{output: output, err: err}
	})

	select {
	case res := <-results:
		return res.output, res.err
	case <-r.cancelled:
		return "", ErrCancelled
	case <-ctx.Done():
		if r.Cancel() {
			return "", ErrCancelled
		}
		select {
		case res := <-results:
			return res.output, res.err
		case <-r.cancelled:
			return "", ErrCancelled
		}
	}
}

// Cancel stops both slots. It reports whether the cancellation took effect;
// it is a no-op once the run finished or was already cancelled.
func (r *Runner) Cancel() bool {
	// Waits out an event already being delivered; none follow once the flags are set.
	r.emitMu.Lock()
	r.mu.Lock()
	if r.finished || (r.primaryCancelled && r.extractCancelled) {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return false
	}
	r.primaryCancelled = true
	r.extractCancelled = true
	primary, extract := r.primary, r.extract
	r.primary, r.extract = nil, nil
	// Detach before killing so a racing exit cannot reach the handlers.
	if extract != nil {
		extract.detached = true
	}
	if primary != nil {
		primary.detached = true
	}
	r.mu.Unlock()
	r.emitMu.Unlock()
	close(r.cancelled)

	r.kill(extract)
	r.kill(primary)
	r.logger.Infof("cancelled %s", r.spec.Subject)
	return true
}

func (r *Runner) kill(h *handle) {
	if h == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debugf("kill %s process panicked: %v", h.slot, rec)
		}
	}()
	if err := h.proc.Kill(); err != nil {
		r.logger.Debugf("kill %s process: %v", h.slot, err)
	}
}

func (r *Runner) spawn(s slot, spec Spec) {
	proc, err := r.spawner.Spawn(spec.Command)
	if err != nil {
		if r.isCancelled(s) {
			return
		}
		r.logger.Warnf("spawn %s: %v", spec.Command.Name, err)
		spawnErr := SpawnError{Command: commandLine(spec.Command), Err: err}
		if s == slotExtract {
			r.failWith(progress.Event{Percent: r.percentFor(s), Step: progress.StepError, Message: "Failed to extract."}, spawnErr)
			return
		}
		r.fail(r.percentFor(s), spawnErr)
		return
	}

	h := &handle{slot: s, proc: proc}
	r.mu.Lock()
	if r.cancelledLocked(s) {
		r.mu.Unlock()
		r.kill(h)
		return
	}
	if s == slotPrimary {
		r.primary = h
	} else {
		r.extract = h
	}
	r.mu.Unlock()

	r.logger.Debugf("started %s: %s", s, commandLine(spec.Command))
	go r.pump(h)
}

func (r *Runner) pump(h *handle) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			r.handleData(h, string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	code, err := h.proc.Wait()
	r.handleExit(h, code, err)
}

func (r *Runner) handleData(h *handle, chunk string) {
	r.mu.Lock()
	if h.detached || r.cancelledLocked(h.slot) {
		r.mu.Unlock()
		return
	}
	var (
		ev progress.Event
		ok bool
	)
	if h.slot == slotPrimary {
		r.output.WriteString(chunk)
		ev, ok = r.primaryEventLocked(chunk)
	} else {
		r.extractOutput.WriteString(chunk)
		ev, ok = r.extractEventLocked()
	}
	r.mu.Unlock()

	r.logger.Debugf("%s output: %s", h.slot, strings.TrimSpace(chunk))
	if ok {
		r.publish(ev)
	}
}

func (r *Runner) primaryEventLocked(chunk string) (progress.Event, bool) {
	if r.spec.Parser == nil {
		return progress.Event{}, false
	}
	reading, ok := r.safeParse(chunk)
	if !ok {
		return progress.Event{}, false
	}

	ceiling := 100
	if r.spec.Extract != nil {
		ceiling = r.spec.split()
	}
	pct := progress.Clamp(reading.Percent, 0, ceiling)
	if reading.Force {
		if pct < r.lastPercent {
			pct = r.lastPercent
		}
	} else if pct <= r.lastPercent {
		return progress.Event{}, false
	}

	ev := progress.Event{Percent: pct, Step: reading.Step, Message: reading.Message}
	if ev.Step == "" {
		ev.Step = progress.StepDownload
	}
	if ev.Message == "" {
		ev.Message = fmt.Sprintf("Downloading... (%d%%)", pct)
	}
	if ev == r.lastEvent {
		return progress.Event{}, false
	}
	r.lastPercent = pct
	r.lastEvent = ev
	return ev, true
}

func (r *Runner) safeParse(chunk string) (reading progress.Reading, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debugf("progress parser failed: %v", rec)
			reading, ok = progress.Reading{}, false
		}
	}()
	return r.spec.Parser.Parse(chunk, r.lastPercent, r.spec.EstimatedTotalBytes)
}

func (r *Runner) extractEventLocked() (progress.Event, bool) {
	if r.extractPercent >= extractCeiling {
		return progress.Event{}, false
	}
	r.extractPercent = progress.Clamp(r.extractPercent+extractStep, 0, extractCeiling)
	return progress.Event{
		Percent: r.extractPercent,
		Step:    progress.StepExtract,
		Message: fmt.Sprintf("Extracting... (%d%%)", r.extractPercent),
	}, true
}

func (r *Runner) handleExit(h *handle, code int, waitErr error) {
	r.mu.Lock()
	if h.detached || r.cancelledLocked(h.slot) {
		r.mu.Unlock()
		return
	}
	if h.slot == slotExtract {
		r.extract = nil
		r.mu.Unlock()
		r.finishExtract(code, waitErr)
		return
	}

	r.primary = nil
	output := r.output.String()
	succeeded := code == 0 && waitErr == nil
	if !succeeded && r.spec.Success != nil && r.spec.Success.Succeeded(output) {
		r.logger.Infof("%s exited with code %d but reported success", r.spec.Command.Name, code)
		succeeded = true
	}
	if !succeeded {
		last := r.lastPercent
		r.mu.Unlock()
		r.fail(last, ExitError{Command: commandLine(r.spec.Command), Code: code, Output: output})
		return
	}

	var next *Spec
	if r.spec.Extract != nil {
		next = r.spec.Extract()
	}
	if next == nil {
		r.mu.Unlock()
		r.succeed(progress.Event{Percent: 100, Step: progress.StepComplete, Message: "Download complete."}, output)
		return
	}
	split := r.spec.split()
	r.extractPercent = split
	r.extractCommand = next.Command
	r.mu.Unlock()

	r.publish(progress.Event{Percent: split, Step: progress.StepExtract, Message: "Download complete. Extracting..."})
	r.spawn(slotExtract, *next)
}

func (r *Runner) finishExtract(code int, waitErr error) {
	r.mu.Lock()
	combined := r.output.String() + r.extractOutput.String()
	extractOut := r.extractOutput.String()
	pct := r.extractPercent
	cmd := r.extractCommand
	r.mu.Unlock()

	if code != 0 || waitErr != nil {
		r.failWith(progress.Event{Percent: pct, Step: progress.StepError, Message: "Failed to extract."},
			ExitError{Command: commandLine(cmd), Code: code, Output: extractOut})
		return
	}
	r.succeed(progress.Event{Percent: 100, Step: progress.StepComplete, Message: "Extraction complete."}, combined)
}

func (r *Runner) fail(pct int, err error) {
	r.failWith(progress.Event{Percent: pct, Step: progress.StepError, Message: "Failed to download."}, err)
}

func (r *Runner) failWith(ev progress.Event, err error) {
	output, ok := r.complete()
	if !ok {
		return
	}
	r.logger.Warnf("%s failed: %v", r.spec.Subject, err)
	r.publish(ev)
	r.done(output, err)
}

func (r *Runner) succeed(ev progress.Event, output string) {
	if _, ok := r.complete(); !ok {
		return
	}
	r.logger.Infof("%s finished", r.spec.Subject)
	r.publish(ev)
	r.done(output, nil)
}

// complete marks the run finished unless it was cancelled first.
func (r *Runner) complete() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.primaryCancelled || r.extractCancelled {
		return "", false
	}
	r.finished = true
	return r.output.String() + r.extractOutput.String(), true
}

// publish delivers ev unless the run was cancelled. A terminal event passes
// because complete has already ruled cancellation out.
func (r *Runner) publish(ev progress.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	cancelled := r.primaryCancelled || r.extractCancelled
	onProgress := r.onProgress
	r.mu.Unlock()
	if cancelled || onProgress == nil {
		return
	}
	onProgress(ev)
}

func (r *Runner) isCancelled(s slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelledLocked(s)
}

func (r *Runner) cancelledLocked(s slot) bool {
	if s == slotExtract {
		return r.extractCancelled
	}
	return r.primaryCancelled
}

func (r *Runner) percentFor(s slot) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == slotExtract {
		return r.extractPercent
	}
	return r.lastPercent
}

func commandLine(c Command) string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}
