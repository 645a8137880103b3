package payload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner/procrunnertest"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
	"github.com/BrianJOC/gameserver-installer/utils/steamcmd"
)

func TestPhaseRunsAppUpdateEvenWhenFilesExist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	spawner := procrunnertest.NewSpawner(procrunnertest.Script{
		Match:    "+app_update 2278520",
		Output:   []string{"Success! App '2278520' already up to date.\n", "Success! App '2278520' fully installed.\n"},
		ExitCode: 0,
	})
	inst := steamcmd.New(root, steamcmd.WithWindows(false), steamcmd.WithSpawner(spawner))
	phase := New(inst, steamcmd.PayloadRequest{AppID: "2278520", InstallDir: root + "/server"})

	var last progress.Event
	result, err := phase.Run(context.Background(), phases.NewContext(), func(ev progress.Event) { last = ev })
	require.NoError(t, err)
	require.Equal(t, phases.Result{Installed: true, Message: "Server files downloaded."}, result)
	require.Equal(t, 100, last.Percent)
	require.Equal(t, progress.StepComplete, last.Step)
	require.Len(t, spawner.Commands(), 1)
}

func TestPhaseReportsFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	spawner := procrunnertest.NewSpawner(procrunnertest.Script{Output: []string{"ERROR! Timed out\n"}, ExitCode: 8})
	inst := steamcmd.New(root, steamcmd.WithWindows(false), steamcmd.WithSpawner(spawner))

	var last progress.Event
	_, err := New(inst, steamcmd.PayloadRequest{AppID: "2278520", InstallDir: root + "/server"}).
		Run(context.Background(), nil, func(ev progress.Event) { last = ev })
	require.ErrorContains(t, err, "download server files")
	var exitErr procrunner.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, progress.StepError, last.Step)
}
