package pkginstaller

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoRunner is returned when Ensure is called without a Runner.
var ErrNoRunner = errors.New("pkginstaller: runner is required")

// noManagerMarker is printed by the install script when it finds no package manager.
const noManagerMarker = "no supported package manager found"

// InvalidPackageError rejects a name that cannot be passed to a package
// manager. An empty Name means the package list was empty.
type InvalidPackageError struct {
	Name string
}

func (e InvalidPackageError) Error() string {
	if e.Name == "" {
		return "at least one package name is required"
	}
	return fmt.Sprintf("invalid package name %q", e.Name)
}

// OptionError surfaces invalid installer options.
type OptionError struct {
	Reason string
}

func (e OptionError) Error() string {
	return fmt.Sprintf("installer option error: %s", e.Reason)
}

// NoPackageManagerError means none of apt-get, dnf, yum, zypper or pacman is available.
type NoPackageManagerError struct {
	Packages []string
}

func (e NoPackageManagerError) Error() string {
	return fmt.Sprintf("cannot install %s: %s", strings.Join(e.Packages, ", "), noManagerMarker)
}

// InstallError wraps a failed package manager run. Stderr keeps the full
// output; the message only carries its last line.
type InstallError struct {
	Packages []string
	Err      error
	Stderr   string
}

func (e InstallError) Error() string {
	msg := fmt.Sprintf("installing %s: %v", strings.Join(e.Packages, ", "), e.Err)
	if last := lastLine(e.Stderr); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e InstallError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
