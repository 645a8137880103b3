// Package steamcmd installs the SteamCMD distribution client and uses it to
// download dedicated server payloads.
package steamcmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const (
	// DirName is the client directory below the install root.
	DirName = "steamcmd"

	DefaultLinuxURL   = "https://steamcdn-a.akamaihd.net/client/installer/steamcmd_linux.tar.gz"
	DefaultWindowsURL = "https://steamcdn-a.akamaihd.net/client/installer/steamcmd.zip"

	// EstimatedWindowsArchiveBytes sizes the byte-count parser for steamcmd.zip.
	EstimatedWindowsArchiveBytes = 750_000

	linuxArchive   = "steamcmd_linux.tar.gz"
	windowsArchive = "steamcmd.zip"
	downloadStep   = 2
	downloadSplit  = progress.DefaultPhaseSplit
)

var (
	bytesWrittenPattern = regexp.MustCompile(`Number of bytes written:\s*([\d,]+)`)
	appIDPattern        = regexp.MustCompile(`^\d+$`)
)

// Installer manages a SteamCMD installation under the install root.
type Installer struct {
	root       string
	linuxURL   string
	windowsURL string
	windows    bool
	spawner    procrunner.Spawner
	logger     log.FieldLogger
}

// Option configures the installer.
type Option func(*Installer)

// WithURLs overrides the client archive locations. Empty values keep the defaults.
func WithURLs(linux, windows string) Option {
	return func(i *Installer) {
		if linux != "" {
			i.linuxURL = linux
		}
		if windows != "" {
			i.windowsURL = windows
		}
	}
}

// WithWindows selects the Windows or Linux flavour of the client.
func WithWindows(windows bool) Option {
	return func(i *Installer) {
		i.windows = windows
	}
}

// WithSpawner replaces the process spawner.
func WithSpawner(s procrunner.Spawner) Option {
	return func(i *Installer) {
		i.spawner = s
	}
}

// WithLogger overrides the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(i *Installer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New returns an installer rooted at installRoot for the current OS.
func New(installRoot string, opts ...Option) *Installer {
	i := &Installer{
		root:       installRoot,
		linuxURL:   DefaultLinuxURL,
		windowsURL: DefaultWindowsURL,
		windows:    runtime.GOOS == "windows",
		logger:     log.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Dir is where the client lives.
func (i *Installer) Dir() string {
	return filepath.Join(i.root, DirName)
}

// Executable is the client entry point.
func (i *Installer) Executable() string {
	if i.windows {
		return filepath.Join(i.Dir(), "steamcmd.exe")
	}
	return filepath.Join(i.Dir(), "steamcmd.sh")
}

// IsInstalled reports whether the client entry point exists.
func (i *Installer) IsInstalled() bool {
	_, err := os.Stat(i.Executable())
	return err == nil
}

// Install downloads and unpacks the client.
func (i *Installer) Install(ctx context.Context, onProgress func(progress.Payload)) (string, error) {
	if err := os.MkdirAll(i.Dir(), 0o755); err != nil {
		return "", err
	}
	spec := i.linuxSpec()
	if i.windows {
		spec = i.windowsSpec()
	}
	return i.run(ctx, spec, onProgress)
}

func (i *Installer) linuxSpec() procrunner.Spec {
	archive := filepath.Join(i.root, linuxArchive)
	return procrunner.Spec{
		Subject: "SteamCMD",
		Command: procrunner.Command{
			Name: "curl",
			Args: []string{"-L", "--fail", "--progress-bar", "-o", archive, i.linuxURL},
			Dir:  i.root,
		},
		PhaseSplitPercent: downloadSplit,
		Parser:            progress.Incrementing(downloadStep, downloadSplit),
		Extract: func() *procrunner.Spec {
			return &procrunner.Spec{
				Subject: "SteamCMD",
				Command: procrunner.Command{
					Name: "tar",
					Args: []string{"-xzf", archive, "-C", i.Dir()},
					Dir:  i.root,
				},
			}
		},
	}
}

func (i *Installer) windowsSpec() procrunner.Spec {
	archive := filepath.Join(i.root, windowsArchive)
	download := fmt.Sprintf("$ProgressPreference = 'Continue'; Invoke-WebRequest -UseBasicParsing -Uri %s -OutFile %s",
		psQuote(i.windowsURL), psQuote(archive))
	return procrunner.Spec{
		Subject:             "SteamCMD",
		Command:             powershell(i.root, download),
		EstimatedTotalBytes: EstimatedWindowsArchiveBytes,
		PhaseSplitPercent:   downloadSplit,
		Parser:              progress.BytesWritten(bytesWrittenPattern, downloadSplit),
		Extract: func() *procrunner.Spec {
			expand := fmt.Sprintf("Expand-Archive -Force -Path %s -DestinationPath %s", psQuote(archive), psQuote(i.Dir()))
			return &procrunner.Spec{Subject: "SteamCMD", Command: powershell(i.root, expand)}
		},
	}
}

// PayloadRequest describes one app_update run.
type PayloadRequest struct {
	AppID      string
	InstallDir string
	// ForceWindowsPlatform downloads the Windows build on any OS.
	ForceWindowsPlatform bool
	EstimatedBytes       int64
}

// SuccessMarker recognises steamcmd's success line, which it prints even on
// runs that exit non-zero.
type SuccessMarker struct {
	AppID string
}

// Succeeded implements procrunner.SuccessDetector.
func (m SuccessMarker) Succeeded(output string) bool {
	return m.AppID != "" && strings.Contains(output, fmt.Sprintf("Success! App '%s' fully installed", m.AppID))
}

// InstallPayload runs app_update for req.AppID into req.InstallDir.
func (i *Installer) InstallPayload(ctx context.Context, req PayloadRequest, onProgress func(progress.Payload)) (string, error) {
	if !appIDPattern.MatchString(req.AppID) {
		return "", fmt.Errorf("invalid app id %q", req.AppID)
	}
	if strings.TrimSpace(req.InstallDir) == "" {
		return "", fmt.Errorf("payload install dir is required")
	}
	if err := os.MkdirAll(req.InstallDir, 0o755); err != nil {
		return "", err
	}

	var args []string
	if req.ForceWindowsPlatform {
		args = append(args, "+@sSteamCmdForcePlatformType", "windows")
	}
	args = append(args,
		"+force_install_dir", req.InstallDir,
		"+login", "anonymous",
		"+app_update", req.AppID, "validate",
		"+quit",
	)

	spec := procrunner.Spec{
		Subject:             "server files",
		Command:             procrunner.Command{Name: i.Executable(), Args: args, Dir: i.Dir()},
		EstimatedTotalBytes: req.EstimatedBytes,
		PhaseSplitPercent:   100,
		Parser:              progress.NewSteamCMD(),
		Success:             SuccessMarker{AppID: req.AppID},
	}
	return i.run(ctx, spec, onProgress)
}

func (i *Installer) run(ctx context.Context, spec procrunner.Spec, onProgress func(progress.Payload)) (string, error) {
	runner := procrunner.New(i.spawner, procrunner.WithLogger(i.logger))
	return runner.Run(ctx, spec, func(ev progress.Event) {
		if onProgress != nil {
			onProgress(progress.FromEvent(ev))
		}
	})
}

func powershell(dir, script string) procrunner.Command {
	return procrunner.Command{
		Name: "powershell",
		Args: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script},
		Dir:  dir,
	}
}

func psQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
