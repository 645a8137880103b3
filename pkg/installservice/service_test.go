package installservice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrianJOC/gameserver-installer/pkg/config"
	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
	"github.com/BrianJOC/gameserver-installer/utils/installlock"
	"github.com/BrianJOC/gameserver-installer/utils/pkginstaller"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/procrunner/procrunnertest"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
	"github.com/BrianJOC/gameserver-installer/utils/steamcmd"
	"github.com/BrianJOC/gameserver-installer/utils/wine"
)

var linux = serverinstall.Platform{OS: "linux"}

type fakeLock struct {
	mu       sync.Mutex
	locked   bool
	acquires int
	releases int
}

func (l *fakeLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *fakeLock) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
	l.acquires++
}

func (l *fakeLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	l.releases++
}

type fakeCompat struct {
	installed bool
	panics    bool
	calls     int
}

func (f *fakeCompat) IsInstalled() bool {
	if f.panics {
		panic("disk on fire")
	}
	return f.installed
}

func (f *fakeCompat) Install(context.Context, func(progress.Payload)) (string, error) {
	f.calls++
	return "", nil
}

type fakeClient struct {
	block bool
	write string
}

func (f *fakeClient) IsInstalled() bool { return true }

func (f *fakeClient) Install(context.Context, func(progress.Payload)) (string, error) {
	return "", errors.New("unexpected client install")
}

func (f *fakeClient) InstallPayload(ctx context.Context, req steamcmd.PayloadRequest, onProgress func(progress.Payload)) (string, error) {
	onProgress(progress.Structured{Percent: 0, Step: progress.StepDownload, Message: "Starting download..."})
	if f.block {
		<-ctx.Done()
		return "", procrunner.ErrCancelled
	}
	if f.write != "" {
		if err := os.MkdirAll(req.InstallDir, 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(req.InstallDir, f.write), nil, 0o755); err != nil {
			return "", err
		}
	}
	return "", nil
}

func noneMissing([]pkginstaller.Dependency) []pkginstaller.Dependency { return nil }

func allMissing(deps []pkginstaller.Dependency) []pkginstaller.Dependency { return deps }

func newService(t *testing.T, lock Locker, opts ...serverinstall.Option) (*Service, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.InstallRoot = t.TempDir()
	svc := New(cfg,
		WithLock(lock),
		WithPlatform(linux),
		WithDependencyChecker(noneMissing),
		WithOrchestratorOptions(opts...),
	)
	return svc, cfg
}

func TestInstallCompatRuntimeAlreadyInstalled(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	spawner := procrunnertest.NewSpawner()
	compat := &fakeCompat{installed: true}
	svc, _ := newService(t, lock,
		serverinstall.WithSpawner(spawner),
		serverinstall.WithCompatInstaller(compat))

	res := svc.Install(context.Background(), "compat-runtime", nil, nil)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "compat-runtime", res.Target)
	require.Contains(t, res.Message, "already installed")
	require.Empty(t, spawner.Commands())
	require.Zero(t, compat.calls)
	require.Equal(t, 1, lock.acquires)
	require.Equal(t, 1, lock.releases)
}

func TestInstallServerInstallsMissingCompatRuntimeWithoutCredential(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	root := t.TempDir()
	spawner := procrunnertest.NewSpawner(
		procrunnertest.Script{Match: "curl", Output: []string{"#"}},
		procrunnertest.Script{Match: "tar -xJf"},
	)
	compat := wine.New(root,
		wine.WithSpawner(spawner),
		wine.WithLookPath(func(string) (string, error) { return "", errors.New("not found") }))

	cfg := config.Default()
	cfg.InstallRoot = root
	svc := New(cfg,
		WithLock(lock),
		WithPlatform(linux),
		WithDependencyChecker(noneMissing),
		WithOrchestratorOptions(
			serverinstall.WithCompatInstaller(compat),
			serverinstall.WithClientInstaller(&fakeClient{write: cfg.ServerExecutable}),
		),
	)

	var mu sync.Mutex
	var phasesSeen []string
	res := svc.Install(context.Background(), "server", func(ev serverinstall.Event) {
		mu.Lock()
		defer mu.Unlock()
		if len(phasesSeen) == 0 || phasesSeen[len(phasesSeen)-1] != ev.Phase {
			phasesSeen = append(phasesSeen, ev.Phase)
		}
	}, nil)

	require.Equal(t, StatusSuccess, res.Status, res.Error)
	require.Equal(t, "Wine installed.", res.Details["compat-runtime"].Message)
	require.Len(t, spawner.Commands(), 2)
	require.Equal(t, []string{"linux-deps", "compat-runtime", "distribution-client", "payload", "validation"}, phasesSeen)
	require.Equal(t, 1, lock.releases)
}

func TestInstallRejectedWhileLocked(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	spawner := procrunnertest.NewSpawner()
	compat := &fakeCompat{}
	svc, _ := newService(t, lock, serverinstall.WithSpawner(spawner), serverinstall.WithCompatInstaller(compat))
	lock.locked = true

	for _, target := range Targets() {
		res := svc.Install(context.Background(), target, nil, nil)
		require.Equal(t, StatusError, res.Status)
		require.Equal(t, ErrLocked.Error(), res.Error)
	}
	require.Zero(t, lock.acquires)
	require.Zero(t, lock.releases)
	require.Zero(t, compat.calls)
	require.Empty(t, spawner.Commands())
}

func TestInstallReleasesLockOnceOnFailure(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	svc, _ := newService(t, lock,
		serverinstall.WithCompatInstaller(&fakeCompat{installed: true}),
		serverinstall.WithClientInstaller(&fakeClient{}))

	res := svc.Install(context.Background(), "server", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Error, "server install")
	require.Contains(t, res.Message, "not found")
	require.Equal(t, 1, lock.acquires)
	require.Equal(t, 1, lock.releases)
	require.False(t, lock.locked)
}

func TestInstallReleasesLockOnceOnPanic(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	svc, _ := newService(t, lock, serverinstall.WithCompatInstaller(&fakeCompat{panics: true}))

	res := svc.Install(context.Background(), "compat-runtime", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Error, "disk on fire")
	require.Equal(t, 1, lock.releases)
	require.False(t, svc.Status().Running)
}

func TestInstallReportsCredentialRequirement(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	cfg := config.Default()
	cfg.InstallRoot = t.TempDir()
	svc := New(cfg, WithLock(lock), WithPlatform(linux), WithDependencyChecker(allMissing))

	res := svc.Install(context.Background(), "server", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.True(t, res.CredentialRequired)
	require.Contains(t, res.Message, "password required")
	require.Equal(t, 1, lock.releases)
}

func TestInstallRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	svc, _ := newService(t, lock)

	res := svc.Install(context.Background(), "plugins", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Error, ErrUnknownTarget.Error())
	require.Zero(t, lock.acquires)

	res = svc.Install(context.Background(), "   ", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Zero(t, lock.acquires)

	res = svc.Install(context.Background(), "ser;ver", nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Zero(t, lock.acquires)
}

func TestCancelStopsServerInstall(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	svc, _ := newService(t, lock,
		serverinstall.WithCompatInstaller(&fakeCompat{installed: true}),
		serverinstall.WithClientInstaller(&fakeClient{block: true}))

	var (
		once    sync.Once
		status  Status
		cancels CancelResult
	)
	res := svc.Install(context.Background(), "server", func(ev serverinstall.Event) {
		if ev.Phase == "payload" && ev.Message == "Starting download..." {
			once.Do(func() {
				status = svc.Status()
				require.False(t, svc.Cancel("compat-runtime").Success)
				cancels = svc.Cancel("server")
			})
		}
	}, nil)

	require.True(t, status.Running)
	require.Equal(t, "server", status.Target)
	require.NotEmpty(t, status.RunID)
	require.True(t, cancels.Success)
	require.True(t, res.Cancelled)
	require.Equal(t, "Installation cancelled.", res.Message)
	require.Equal(t, 1, lock.releases)
	require.False(t, svc.Cancel("server").Success)
}

func TestCancelNonCancellableTarget(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &fakeLock{})
	require.Equal(t, CancelResult{Success: false, Target: "compat-runtime"}, svc.Cancel("compat-runtime"))
	require.False(t, svc.Cancel("server").Success)
}

func TestValidateParams(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &fakeLock{})

	v := svc.ValidateParams(" Server ", nil)
	require.True(t, v.IsValid)
	require.Equal(t, "server", v.SanitizedTarget)

	for _, target := range []string{"server; rm -rf /", "ser;ver", "s e r v e r", "server$(id)"} {
		v = svc.ValidateParams(target, nil)
		require.False(t, v.IsValid, target)
		require.Empty(t, v.SanitizedTarget, target)
		require.Contains(t, v.Error, "may only contain letters, digits and dashes", target)
	}

	v = svc.ValidateParams("", nil)
	require.False(t, v.IsValid)
	require.NotEmpty(t, v.Error)

	bad := "pass\nword"
	v = svc.ValidateParams("server", &bad)
	require.False(t, v.IsValid)
}

func TestCheckRequirements(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	cfg := config.Default()
	cfg.InstallRoot = t.TempDir()
	cfg.RequiredDependencies = []pkginstaller.Dependency{{Name: "curl"}, {Name: "xz", Package: "xz-utils"}}
	svc := New(cfg, WithLock(lock), WithPlatform(linux), WithDependencyChecker(allMissing))

	req := svc.CheckRequirements("server")
	require.True(t, req.CanProceed)
	require.True(t, req.RequiresElevatedCredential)
	require.Equal(t, []string{"curl", "xz"}, req.MissingDependencies)

	req = svc.CheckRequirements("compat-runtime")
	require.True(t, req.CanProceed)
	require.False(t, req.RequiresElevatedCredential)

	req = svc.CheckRequirements("nope")
	require.False(t, req.CanProceed)

	req = svc.CheckRequirements("ser;ver")
	require.False(t, req.CanProceed)

	lock.locked = true
	req = svc.CheckRequirements("server")
	require.False(t, req.CanProceed)
	require.Zero(t, lock.acquires)
	require.Zero(t, lock.releases)

	windows := New(cfg, WithLock(&fakeLock{}), WithPlatform(serverinstall.Platform{OS: "windows"}), WithDependencyChecker(allMissing))
	require.False(t, windows.CheckRequirements("server").RequiresElevatedCredential)
}

func TestNewClearsStaleLock(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.InstallRoot = t.TempDir()
	stale := installlock.New(cfg.InstallRoot)
	stale.Acquire()
	require.True(t, stale.IsLocked())

	svc := New(cfg)
	require.False(t, stale.IsLocked())
	require.False(t, svc.Status().Locked)
}

func TestKeepExistingLockLeavesLockAlone(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.InstallRoot = t.TempDir()
	held := installlock.New(cfg.InstallRoot)
	held.Acquire()

	svc := New(cfg, KeepExistingLock())
	require.True(t, held.IsLocked())
	st := svc.Status()
	require.True(t, st.Locked)
	require.False(t, st.LockedSince.IsZero())

	res := svc.Install(context.Background(), TargetServer, nil, nil)
	require.Equal(t, StatusError, res.Status)
	require.Equal(t, ErrLocked.Error(), res.Error)
	require.True(t, held.IsLocked())
}
