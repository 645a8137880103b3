package procrunner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
)

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Process is a live OS process whose combined stdout/stderr can be read.
// Read returns io.EOF once output is exhausted; Wait blocks until exit.
type Process interface {
	io.Reader
	Wait() (exitCode int, err error)
	Kill() error
}

// Spawner starts commands.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(cmd Command) (Process, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(cmd Command) (Process, error) {
	return f(cmd)
}

const (
	defaultRows      = 24
	defaultCols      = 120
	defaultExitGrace = 2 * time.Second
)

// PTYSpawner runs commands attached to a pseudo-terminal so that tools which
// only print live progress to a TTY (steamcmd) keep doing so. Platforms
// without pty support fall back to a shared stdout/stderr pipe.
type PTYSpawner struct {
	Rows uint16
	Cols uint16
	// ExitGrace bounds how long output is drained after the process exits
	// while descendants still hold the terminal open.
	ExitGrace time.Duration
}

// Spawn implements Spawner.
func (s PTYSpawner) Spawn(c Command) (Process, error) {
	rows, cols := s.Rows, s.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	grace := s.ExitGrace
	if grace <= 0 {
		grace = defaultExitGrace
	}

	cmd := buildCmd(c)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		if errors.Is(err, pty.ErrUnsupported) {
			return startPiped(buildCmd(c), grace)
		}
		return nil, err
	}
	return watch(cmd, ptmx, grace), nil
}

func buildCmd(c Command) *exec.Cmd {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	return cmd
}

func startPiped(cmd *exec.Cmd, grace time.Duration) (Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	_ = w.Close()
	return watch(cmd, r, grace), nil
}

type osProcess struct {
	cmd  *exec.Cmd
	out  *os.File
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// watch starts the exit watcher for an already started cmd.
func watch(cmd *exec.Cmd, out *os.File, grace time.Duration) *osProcess {
	p := &osProcess{cmd: cmd, out: out, done: make(chan struct{})}
	return p.start(grace)
}

func (p *osProcess) start(grace time.Duration) *osProcess {
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		p.mu.Unlock()

		// Descendants may keep the terminal open; stop draining after grace.
		time.AfterFunc(grace, func() { _ = p.out.Close() })
		close(p.done)
	}()
	return p
}

func (p *osProcess) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if err != nil && isClosedOutput(err) {
		return n, io.EOF
	}
	return n, err
}

func (p *osProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killTree(int32(p.cmd.Process.Pid))
}

// isClosedOutput reports the errors a pty master or pipe returns once the
// other side is gone. Linux reports EIO on the pty master.
func isClosedOutput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

// killTree kills pid and every descendant. Children are collected before the
// parent dies so they are not lost to reparenting.
func killTree(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	children, _ := proc.Children()
	killErr := proc.Kill()
	for _, child := range children {
		_ = killTree(child.Pid)
	}
	return killErr
}
