package procrunner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

func TestRunSinglePhaseSuccess(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	spawner := &fakeSpawner{procs: []*fakeProcess{proc}}
	rec := &eventRecorder{}

	go func() {
		proc.emit("line one\n")
		proc.emit("line two\n")
		proc.finish(0)
	}()

	out, err := New(spawner).Run(context.Background(), Spec{
		Subject: "wine",
		Command: Command{Name: "curl", Args: []string{"-L"}},
		Parser:  progress.Incrementing(10, 100),
	}, rec.record)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", out)

	events := rec.snapshot()
	require.Equal(t, progress.Event{Percent: 0, Step: progress.StepDownload, Message: "Checking wine..."}, events[0])
	require.Equal(t, progress.Event{Percent: 10, Step: progress.StepDownload, Message: "Downloading... (10%)"}, events[1])
	require.Equal(t, progress.Event{Percent: 100, Step: progress.StepComplete, Message: "Download complete."}, events[len(events)-1])
	require.Equal(t, []Command{{Name: "curl", Args: []string{"-L"}}}, spawner.commands())
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	rec := &eventRecorder{}

	go func() {
		proc.emit("something broke\n")
		proc.finish(1)
	}()

	done := make(chan error, 1)
	New(&fakeSpawner{procs: []*fakeProcess{proc}}).Start(Spec{
		Subject: "steamcmd",
		Command: Command{Name: "steamcmd"},
		Parser:  progress.Incrementing(5, 50),
	}, rec.record, func(_ string, err error) { done <- err })

	err := <-done
	require.Error(t, err)
	var exitErr ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Code)
	require.Contains(t, err.Error(), "something broke")

	last := rec.last()
	require.Equal(t, progress.StepError, last.Step)
	require.Equal(t, "Failed to download.", last.Message)
	require.Equal(t, 5, last.Percent)
}

func TestRunHonoursSuccessMarkerOnNonZeroExit(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	go func() {
		proc.emit("Success! App '2278520' fully installed.\n")
		proc.finish(7)
	}()

	marker := detectorFunc(func(out string) bool { return strings.Contains(out, "Success! App '2278520' fully installed") })
	out, err := New(&fakeSpawner{procs: []*fakeProcess{proc}}).Run(context.Background(), Spec{
		Subject: "server",
		Command: Command{Name: "steamcmd"},
		Success: marker,
	}, nil)
	require.NoError(t, err)
	require.Contains(t, out, "fully installed")
}

func TestRunWithoutMarkerStrategyFailsOnNonZeroExit(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	go func() {
		proc.emit("Success! App '2278520' fully installed.\n")
		proc.finish(7)
	}()

	_, err := New(&fakeSpawner{procs: []*fakeProcess{proc}}).Run(context.Background(), Spec{
		Subject: "archive",
		Command: Command{Name: "curl"},
	}, nil)
	require.Error(t, err)
}

func TestRunChainsExtractPhase(t *testing.T) {
	t.Parallel()

	primary := newFakeProcess()
	extract := newFakeProcess()
	spawner := &fakeSpawner{procs: []*fakeProcess{primary, extract}}
	rec := &eventRecorder{}

	go func() {
		primary.emit("####\n")
		primary.finish(0)
		extract.emit("x wine/bin\n")
		extract.emit("x wine/lib\n")
		extract.finish(0)
	}()

	out, err := New(spawner).Run(context.Background(), Spec{
		Subject: "wine",
		Command: Command{Name: "curl"},
		Parser:  progress.Incrementing(2, 50),
		Extract: func() *Spec {
			return &Spec{Subject: "wine", Command: Command{Name: "tar", Args: []string{"-xJf", "wine.tar.xz"}}}
		},
	}, rec.record)
	require.NoError(t, err)
	require.Equal(t, "####\nx wine/bin\nx wine/lib\n", out)

	events := rec.snapshot()
	require.Contains(t, events, progress.Event{Percent: 50, Step: progress.StepExtract, Message: "Download complete. Extracting..."})
	require.Contains(t, events, progress.Event{Percent: 52, Step: progress.StepExtract, Message: "Extracting... (52%)"})
	require.Contains(t, events, progress.Event{Percent: 54, Step: progress.StepExtract, Message: "Extracting... (54%)"})
	require.Equal(t, progress.Event{Percent: 100, Step: progress.StepComplete, Message: "Extraction complete."}, events[len(events)-1])
	require.Len(t, spawner.commands(), 2)
	requireNonDecreasing(t, events)
}

func TestRunReportsExtractFailure(t *testing.T) {
	t.Parallel()

	primary := newFakeProcess()
	extract := newFakeProcess()
	rec := &eventRecorder{}

	go func() {
		primary.finish(0)
		extract.emit("tar: short read\n")
		extract.finish(2)
	}()

	_, err := New(&fakeSpawner{procs: []*fakeProcess{primary, extract}}).Run(context.Background(), Spec{
		Subject:           "steamcmd",
		Command:           Command{Name: "curl"},
		PhaseSplitPercent: 60,
		Extract: func() *Spec {
			return &Spec{Command: Command{Name: "tar"}}
		},
	}, rec.record)

	var exitErr ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, "tar", exitErr.Command)
	require.Equal(t, 2, exitErr.Code)
	require.Equal(t, progress.Event{Percent: 62, Step: progress.StepError, Message: "Failed to extract."}, rec.last())
}

func TestRunReportsSpawnFailure(t *testing.T) {
	t.Parallel()

	rec := &eventRecorder{}
	spawner := SpawnerFunc(func(Command) (Process, error) {
		return nil, errors.New("executable file not found in $PATH")
	})

	_, err := New(spawner).Run(context.Background(), Spec{
		Subject: "wine",
		Command: Command{Name: "curl", Args: []string{"-L", "https://example.invalid/wine.tar.xz"}},
	}, rec.record)

	var spawnErr SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Contains(t, spawnErr.Command, "curl -L")
	require.Equal(t, progress.StepError, rec.last().Step)
}

func TestCancelBeforeExitNeverCallsDone(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}})

	var called atomic.Bool
	runner.Start(Spec{Subject: "server", Command: Command{Name: "steamcmd"}}, nil, func(string, error) {
		called.Store(true)
	})

	require.True(t, runner.Cancel())
	require.True(t, proc.wasKilled())
	require.False(t, runner.Cancel(), "second cancel is a no-op")

	require.Never(t, called.Load, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCancelDuringExtractKillsExtract(t *testing.T) {
	t.Parallel()

	primary := newFakeProcess()
	extract := newFakeProcess()
	runner := New(&fakeSpawner{procs: []*fakeProcess{primary, extract}})
	rec := &eventRecorder{}

	var called atomic.Bool
	runner.Start(Spec{
		Subject: "wine",
		Command: Command{Name: "curl"},
		Extract: func() *Spec { return &Spec{Command: Command{Name: "tar"}} },
	}, rec.record, func(string, error) { called.Store(true) })

	primary.finish(0)
	require.Eventually(t, func() bool { return extract.wasSpawned() }, time.Second, 5*time.Millisecond)
	extract.emit("x file\n")
	require.Eventually(t, func() bool { return rec.last().Percent == 52 }, time.Second, 5*time.Millisecond)

	require.True(t, runner.Cancel())
	require.True(t, extract.wasKilled())
	require.Never(t, called.Load, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCancelTerminatesBothSlots(t *testing.T) {
	t.Parallel()

	primary := newFakeProcess()
	extract := newFakeProcess()
	runner := New(nil)
	runner.started = true
	runner.primary = &handle{slot: slotPrimary, proc: primary}
	runner.extract = &handle{slot: slotExtract, proc: extract}

	require.True(t, runner.Cancel())
	require.True(t, primary.wasKilled())
	require.True(t, extract.wasKilled())
	require.Nil(t, runner.primary)
	require.Nil(t, runner.extract)
}

func TestCancelSwallowsKillErrors(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	proc.killErr = errors.New("operation not permitted")
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}})
	runner.Start(Spec{Command: Command{Name: "steamcmd"}}, nil, nil)

	require.NotPanics(t, func() { runner.Cancel() })
}

func TestRunReturnsCancelledWhenContextDone(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		proc.emit("working\n")
		cancel()
	}()

	_, err := runner.Run(ctx, Spec{Command: Command{Name: "steamcmd"}}, nil)
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, proc.wasKilled())
}

func TestOutputAfterCancelIsIgnored(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}})
	rec := &eventRecorder{}
	runner.Start(Spec{Command: Command{Name: "curl"}, Parser: progress.Incrementing(10, 100)}, rec.record, nil)

	h := runner.primary
	require.NotNil(t, h)
	runner.Cancel()
	before := len(rec.snapshot())

	runner.handleData(h, "late output\n")
	runner.handleExit(h, 0, nil)
	require.Len(t, rec.snapshot(), before)
}

func TestCancelDropsChunkAlreadyBeingHandled(t *testing.T) {
	t.Parallel()

	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.DebugLevel)
	hook := &stallHook{match: "primary output", reached: make(chan struct{}), release: make(chan struct{})}
	logger.AddHook(hook)

	proc := newFakeProcess()
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}}, WithLogger(logger))

	var (
		mu          sync.Mutex
		cancelled   bool
		afterCancel []progress.Event
	)
	runner.Start(Spec{
		Subject: "server",
		Command: Command{Name: "steamcmd"},
		Parser:  progress.Incrementing(5, 100),
	}, func(ev progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		if cancelled {
			afterCancel = append(afterCancel, ev)
		}
	}, nil)

	go proc.emit("Downloading\n")
	<-hook.reached

	require.True(t, runner.Cancel())
	mu.Lock()
	cancelled = true
	mu.Unlock()
	close(hook.release)

	// the pump exits once the killed process reports EOF
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, afterCancel)
}

func TestProgressIsMonotonicWithForcedReadings(t *testing.T) {
	t.Parallel()

	readings := []progress.Reading{
		{Percent: 20},
		{Percent: 10},
		{Percent: 5, Force: true, Message: "status"},
		{Percent: 20},
		{Percent: 150},
		{Percent: 40},
	}
	var idx int
	parser := progress.ParserFunc(func(string, int, int64) (progress.Reading, bool) {
		r := readings[idx]
		idx++
		return r, true
	})

	proc := newFakeProcess()
	rec := &eventRecorder{}
	go func() {
		for range readings {
			proc.emit("tick\n")
		}
		proc.finish(0)
	}()

	_, err := New(&fakeSpawner{procs: []*fakeProcess{proc}}).Run(context.Background(), Spec{
		Command: Command{Name: "steamcmd"},
		Parser:  parser,
	}, rec.record)
	require.NoError(t, err)

	events := rec.snapshot()
	requireNonDecreasing(t, events)
	require.Contains(t, events, progress.Event{Percent: 20, Step: progress.StepDownload, Message: "status"})
	require.Contains(t, events, progress.Event{Percent: 100, Step: progress.StepDownload, Message: "Downloading... (100%)"})
}

func TestParserPanicIsSwallowed(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	go func() {
		proc.emit("boom\n")
		proc.finish(0)
	}()

	parser := progress.ParserFunc(func(string, int, int64) (progress.Reading, bool) {
		panic("bad regexp state")
	})
	_, err := New(&fakeSpawner{procs: []*fakeProcess{proc}}).Run(context.Background(), Spec{
		Command: Command{Name: "curl"},
		Parser:  parser,
	}, nil)
	require.NoError(t, err)
}

func TestRunnerIsSingleShot(t *testing.T) {
	t.Parallel()

	proc := newFakeProcess()
	go proc.finish(0)
	runner := New(&fakeSpawner{procs: []*fakeProcess{proc}})
	_, err := runner.Run(context.Background(), Spec{Command: Command{Name: "true"}}, nil)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), Spec{Command: Command{Name: "true"}}, nil)
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func requireNonDecreasing(t *testing.T, events []progress.Event) {
	t.Helper()
	last := 0
	for _, ev := range events {
		if ev.Step == progress.StepError {
			continue
		}
		require.GreaterOrEqual(t, ev.Percent, last, "event %+v regressed", ev)
		last = ev.Percent
	}
}

// stallHook parks the first log entry containing match until release closes.
type stallHook struct {
	match   string
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (h *stallHook) Levels() []log.Level { return log.AllLevels }

func (h *stallHook) Fire(e *log.Entry) error {
	if !strings.Contains(e.Message, h.match) {
		return nil
	}
	h.once.Do(func() {
		close(h.reached)
		<-h.release
	})
	return nil
}

type detectorFunc func(string) bool

func (f detectorFunc) Succeeded(out string) bool { return f(out) }

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) record(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return progress.Event{}
	}
	return r.events[len(r.events)-1]
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	cmds  []Command
}

func (s *fakeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	if len(s.procs) == 0 {
		return nil, errors.New("unexpected spawn: " + cmd.Name)
	}
	p := s.procs[0]
	s.procs = s.procs[1:]
	p.spawned.Store(true)
	return p, nil
}

func (s *fakeSpawner) commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.cmds...)
}

type fakeProcess struct {
	out     chan string
	exit    chan int
	killed  chan struct{}
	once    sync.Once
	spawned atomic.Bool
	killErr error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		out:    make(chan string),
		exit:   make(chan int, 1),
		killed: make(chan struct{}),
	}
}

func (p *fakeProcess) emit(chunk string) {
	select {
	case p.out <- chunk:
	case <-p.killed:
	}
}

func (p *fakeProcess) finish(code int) {
	close(p.out)
	p.exit <- code
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-p.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-p.killed:
		return 0, io.EOF
	}
}

func (p *fakeProcess) Wait() (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-p.killed:
		return -1, nil
	}
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return p.killErr
}

func (p *fakeProcess) wasKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) wasSpawned() bool {
	return p.spawned.Load()
}
