package privilege

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Password wraps the credential used for privilege escalation.
type Password struct {
	Value string
}

// Runner executes a shell command on the local machine. stdin is written to
// the command; every stdout line is passed to onLine as it arrives.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin string, onLine func(string)) (stdout string, stderr string, err error)
}

// LocalRunner runs commands through bash.
type LocalRunner struct {
	Shell string
}

// Run implements Runner.
func (r LocalRunner) Run(ctx context.Context, cmd string, stdin string, onLine func(string)) (string, string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd)
	if stdin != "" {
		c.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr
	pipe, err := c.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	if err := c.Start(); err != nil {
		return "", "", err
	}
	stdout := collectLines(pipe, onLine)
	err = c.Wait()
	return stdout, stderr.String(), err
}

func collectLines(r io.Reader, onLine func(string)) string {
	var out strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	return out.String()
}

// ElevatedRunner executes commands through sudo with the validated password.
type ElevatedRunner struct {
	runner   Runner
	password string
	mu       sync.Mutex
}

// Run executes cmd as root, streaming stdout lines to onLine.
func (e *ElevatedRunner) Run(ctx context.Context, cmd string, onLine func(string)) (string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return runSudo(ctx, e.runner, e.password, cmd, onLine)
}

// EnsureElevated verifies that password unlocks sudo on this machine.
func EnsureElevated(ctx context.Context, r Runner, password Password) (*ElevatedRunner, error) {
	if r == nil {
		return nil, ErrNoRunner
	}
	pass, err := password.validate()
	if err != nil {
		return nil, err
	}
	if err := validateSudo(ctx, r, pass); err != nil {
		return nil, err
	}
	return &ElevatedRunner{runner: r, password: pass}, nil
}

func runSudo(ctx context.Context, r Runner, password, cmd string, onLine func(string)) (string, string, error) {
	command := fmt.Sprintf("sudo -S -p '' -k bash -c %s", ShellQuote(cmd))
	return r.Run(ctx, command, password+"\n", onLine)
}

func validateSudo(ctx context.Context, r Runner, password string) error {
	_, stderr, err := runSudo(ctx, r, password, "true", nil)
	if err == nil {
		return nil
	}

	if strings.Contains(stderr, "sudo: command not found") || strings.Contains(stderr, "sudo: not found") {
		return SudoError{Cause: ErrSudoMissing, Err: err, Stderr: stderr}
	}

	if strings.Contains(stderr, "is not in the sudoers file") || strings.Contains(stderr, "may not run sudo") {
		return SudoError{Cause: ErrNotSudoer, Err: err, Stderr: stderr}
	}

	if isAuthenticationFailure(stderr) || strings.Contains(stderr, "Sorry, try again.") {
		return SudoError{Cause: ErrBadPassword, Err: err, Stderr: stderr}
	}

	return SudoError{Err: err, Stderr: stderr}
}

func isAuthenticationFailure(stderr string) bool {
	return strings.Contains(stderr, "Authentication failure") ||
		strings.Contains(stderr, "authentication failure") ||
		strings.Contains(stderr, "incorrect password")
}

func (p Password) validate() (string, error) {
	if p.Value == "" {
		return "", PasswordError{Reason: "password must not be empty"}
	}
	if strings.ContainsAny(p.Value, "\n\r") {
		return "", PasswordError{Reason: "password must be a single line"}
	}
	return p.Value, nil
}

// ShellQuote wraps value in single quotes for bash.
func ShellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
