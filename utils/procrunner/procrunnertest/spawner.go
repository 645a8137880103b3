// Package procrunnertest provides a scripted procrunner.Spawner for tests of
// code built on the process runner.
package procrunnertest

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
)

// Script describes how one spawned command behaves.
type Script struct {
	// Match is a substring of the command line. Empty matches anything.
	Match    string
	Output   []string
	ExitCode int
	SpawnErr error
	// Hang keeps the process alive after its output until it is killed.
	Hang bool
}

// Spawner hands out scripted processes in order of the first matching script.
type Spawner struct {
	mu      sync.Mutex
	scripts []Script
	calls   []procrunner.Command
	procs   []*Process
}

// NewSpawner returns a spawner that consumes scripts as commands arrive.
func NewSpawner(scripts ...Script) *Spawner {
	return &Spawner{scripts: scripts}
}

// Spawn implements procrunner.Spawner.
func (s *Spawner) Spawn(cmd procrunner.Command) (procrunner.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, cmd)
	line := CommandLine(cmd)
	for idx, script := range s.scripts {
		if script.Match != "" && !strings.Contains(line, script.Match) {
			continue
		}
		s.scripts = append(s.scripts[:idx:idx], s.scripts[idx+1:]...)
		if script.SpawnErr != nil {
			return nil, script.SpawnErr
		}
		proc := &Process{
			chunks: append([]string(nil), script.Output...),
			code:   script.ExitCode,
			hang:   script.Hang,
			killed: make(chan struct{}),
		}
		s.procs = append(s.procs, proc)
		return proc, nil
	}
	return nil, fmt.Errorf("unexpected command %q", line)
}

// Commands returns every command spawned so far.
func (s *Spawner) Commands() []procrunner.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]procrunner.Command(nil), s.calls...)
}

// Processes returns the processes handed out so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// CommandLine joins a command and its arguments with spaces.
func CommandLine(cmd procrunner.Command) string {
	return strings.TrimSpace(cmd.Name + " " + strings.Join(cmd.Args, " "))
}

// Process replays scripted output.
type Process struct {
	mu     sync.Mutex
	chunks []string
	code   int
	hang   bool
	killed chan struct{}
	once   sync.Once
}

// Read returns one scripted chunk per call.
func (p *Process) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) > 0 {
		chunk := p.chunks[0]
		n := copy(b, chunk)
		if n < len(chunk) {
			p.chunks[0] = chunk[n:]
		} else {
			p.chunks = p.chunks[1:]
		}
		p.mu.Unlock()
		return n, nil
	}
	hang := p.hang
	p.mu.Unlock()

	if hang {
		<-p.killed
	}
	return 0, io.EOF
}

// Wait returns the scripted exit code, or -1 for a hanging process once killed.
func (p *Process) Wait() (int, error) {
	if p.hang {
		<-p.killed
		return -1, nil
	}
	return p.code, nil
}

// Kill releases a hanging process.
func (p *Process) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}
