package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
	"github.com/BrianJOC/gameserver-installer/utils/installlock"
)

func writeConfig(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gameserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("install_root: "+root+"\nlog_file: console\nrequired_dependencies: []\n"), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckReportsRequirements(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)

	out, err := execute(t, "", "check", "Compat-Runtime", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "Target:               compat-runtime")
	require.Contains(t, out, "Install root:         "+root)
	require.Contains(t, out, "Can proceed:          yes")
	require.Contains(t, out, "Ready to install.")
}

func TestCheckReportsHeldLockWithoutRemovingIt(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	lock := installlock.New(root)
	lock.Acquire()

	out, err := execute(t, "", "check", "server", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "Can proceed:          no")
	require.Contains(t, out, "Locked since:")
	require.True(t, lock.IsLocked())
}

func TestInstallRefusesWhileLocked(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	installlock.New(root).Acquire()

	_, err := execute(t, "", "install", "server", "--config", cfgPath)
	require.EqualError(t, err, "another installation is already in progress")
}

func TestUnlockRemovesLock(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	lock := installlock.New(root)
	lock.Acquire()

	out, err := execute(t, "", "unlock", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "Removed "+lock.Path())
	require.False(t, lock.IsLocked())

	out, err = execute(t, "", "unlock", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "No install lock present.")
}

func TestInvalidLogLevelFails(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	_, err := execute(t, "", "check", "server", "--config", cfgPath, "--log-level", "chatty")
	require.Error(t, err)
}

func TestReadSecretLine(t *testing.T) {
	t.Parallel()

	pw, err := readSecretLine(strings.NewReader("pa ss\r\nignored\n"))
	require.NoError(t, err)
	require.Equal(t, "pa ss", pw)

	pw, err = readSecretLine(strings.NewReader("no-newline"))
	require.NoError(t, err)
	require.Equal(t, "no-newline", pw)

	_, err = readSecretLine(strings.NewReader("\n"))
	require.Error(t, err)
}

func TestEventPrinterSkipsRepeats(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := newEventPrinter(&out)
	p.print(serverinstall.Event{Phase: "payload", PhasePercent: 10, Message: "Downloading... (10%)", OverallPhase: 4, TotalPhases: 5})
	p.print(serverinstall.Event{Phase: "payload", PhasePercent: 10, Message: "Downloading... (10%)", OverallPhase: 4, TotalPhases: 5})
	p.print(serverinstall.Event{Phase: "payload", PhasePercent: 20})
	p.print(serverinstall.Event{Phase: "payload", PhasePercent: 100, Message: "Server files downloaded.", OverallPhase: 4, TotalPhases: 5})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "[4/5] payload               10%  Downloading... (10%)", lines[0])
	require.True(t, strings.HasSuffix(lines[1], "100%  Server files downloaded."))
}

func TestEventPrinterConcurrentPhases(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := newEventPrinter(&out)
	var wg sync.WaitGroup
	for _, phase := range []string{"compat-runtime", "payload", "validation"} {
		wg.Add(1)
		go func(phase string) {
			defer wg.Done()
			for pct := 1; pct <= 50; pct++ {
				p.print(serverinstall.Event{Phase: phase, PhasePercent: pct, Message: fmt.Sprintf("%s %d", phase, pct)})
			}
		}(phase)
	}
	wg.Wait()

	require.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 150)
}
