// Package wine installs the Wine compatibility runtime under the install root.
package wine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/BrianJOC/gameserver-installer/utils/procrunner"
	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

const (
	// DirName is the runtime directory below the install root.
	DirName = "wine"
	// DefaultURL points at a portable amd64 Wine build.
	DefaultURL = "https://github.com/Kron4ek/Wine-Builds/releases/download/9.0/wine-9.0-amd64.tar.xz"

	archiveName   = "wine.tar.xz"
	downloadStep  = 2
	downloadSplit = progress.DefaultPhaseSplit
)

// ErrNoURL is returned by Install when no download URL is configured.
var ErrNoURL = errors.New("wine download url is not configured")

// Installer checks for and installs Wine.
type Installer struct {
	root     string
	url      string
	spawner  procrunner.Spawner
	logger   log.FieldLogger
	lookPath func(string) (string, error)
}

// Option configures the installer.
type Option func(*Installer)

// WithURL overrides the archive location.
func WithURL(url string) Option {
	return func(i *Installer) {
		if url != "" {
			i.url = url
		}
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

// WithLookPath replaces the PATH lookup used to find a system Wine.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(i *Installer) {
		if fn != nil {
			i.lookPath = fn
		}
	}
}

// New returns an installer rooted at installRoot.
func New(installRoot string, opts ...Option) *Installer {
	i := &Installer{
		root:     installRoot,
		url:      DefaultURL,
		logger:   log.StandardLogger(),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Dir is where the runtime is unpacked.
func (i *Installer) Dir() string {
	return filepath.Join(i.root, DirName)
}

// Binary is the wine launcher inside Dir.
func (i *Installer) Binary() string {
	return filepath.Join(i.Dir(), "bin", "wine")
}

// IsInstalled reports whether a bundled or system Wine is available.
func (i *Installer) IsInstalled() bool {
	if _, err := os.Stat(i.Binary()); err == nil {
		return true
	}
	_, err := i.lookPath("wine")
	return err == nil
}

// Install downloads and unpacks Wine. A cancelled ctx yields procrunner.ErrCancelled.
func (i *Installer) Install(ctx context.Context, onProgress func(progress.Payload)) (string, error) {
	if i.url == "" {
		return "", ErrNoURL
	}
	if err := os.MkdirAll(i.Dir(), 0o755); err != nil {
		return "", err
	}

	archive := filepath.Join(i.root, archiveName)
	spec := procrunner.Spec{
		Subject: "Wine",
		Command: procrunner.Command{
			Name: "curl",
			Args: []string{"-L", "--fail", "--progress-bar", "-o", archive, i.url},
			Dir:  i.root,
		},
		PhaseSplitPercent: downloadSplit,
		Parser:            progress.Incrementing(downloadStep, downloadSplit),
		Extract: func() *procrunner.Spec {
			return &procrunner.Spec{
				Subject: "Wine",
				Command: procrunner.Command{
					Name: "tar",
					Args: []string{"-xJf", archive, "-C", i.Dir(), "--strip-components=1"},
					Dir:  i.root,
				},
			}
		},
	}

	runner := procrunner.New(i.spawner, procrunner.WithLogger(i.logger))
	output, err := runner.Run(ctx, spec, forward(onProgress))
	if err != nil {
		return output, err
	}
	if rmErr := os.Remove(archive); rmErr != nil && !os.IsNotExist(rmErr) {
		i.logger.Debugf("remove %s: %v", archive, rmErr)
	}
	return output, nil
}

func forward(onProgress func(progress.Payload)) progress.Func {
	return func(ev progress.Event) {
		if onProgress != nil {
			onProgress(progress.FromEvent(ev))
		}
	}
}
