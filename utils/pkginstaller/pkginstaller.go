package pkginstaller

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

// Runner executes privileged commands on the local machine, streaming stdout lines.
type Runner interface {
	Run(ctx context.Context, cmd string, onLine func(string)) (stdout string, stderr string, err error)
}

// Dependency is one binary the server stack needs, and the package that provides it.
type Dependency struct {
	Name    string `mapstructure:"name"`
	Binary  string `mapstructure:"binary"`
	Package string `mapstructure:"package"`
}

func (d Dependency) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return d.Name
}

func (d Dependency) pkg() string {
	if d.Package != "" {
		return d.Package
	}
	return d.Name
}

// LookupFunc reports whether a binary can be found. exec.LookPath satisfies it.
type LookupFunc func(file string) (string, error)

// Missing returns the dependencies whose binary cannot be found.
func Missing(deps []Dependency, lookup LookupFunc) []Dependency {
	if lookup == nil {
		lookup = exec.LookPath
	}
	var missing []Dependency
	for _, dep := range deps {
		if _, err := lookup(dep.binary()); err != nil {
			missing = append(missing, dep)
		}
	}
	return missing
}

// Packages maps dependencies to their package names, preserving order and
// dropping duplicates.
func Packages(deps []Dependency) []string {
	seen := make(map[string]struct{}, len(deps))
	var out []string
	for _, dep := range deps {
		name := dep.pkg()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Result reports actions taken by Ensure.
type Result struct {
	Packages  []string
	Installed bool
	Skipped   bool
	Details   []string
}

// Option configures Ensure behavior.
type Option func(*options) error

type options struct {
	checkCmd   string
	force      bool
	onProgress func(progress.Payload)
}

// WithCustomCheck overrides the command used to detect existing packages.
func WithCustomCheck(cmd string) Option {
	return func(opts *options) error {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			return OptionError{Reason: "custom check command must not be empty"}
		}
		opts.checkCmd = cmd
		return nil
	}
}

// WithForce forces installation even if the check passes.
func WithForce() Option {
	return func(opts *options) error {
		opts.force = true
		return nil
	}
}

// WithProgress streams the package manager's output. Lines carrying an apt
// style "Progress: [ NN%]" marker arrive as structured payloads.
func WithProgress(fn func(progress.Payload)) Option {
	return func(opts *options) error {
		opts.onProgress = fn
		return nil
	}
}

var (
	validPackageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+_-]*$`)
	aptProgress      = regexp.MustCompile(`Progress:\s*\[\s*(\d{1,3})%\]`)
)

// APT::Status-Fd lines are written whether or not stdout is a terminal.
var aptStatus = regexp.MustCompile(`^pmstatus:[^:]*:(\d+(?:\.\d+)?):(.*)$`)

// Ensure installs the packages when missing using the first available package manager.
func Ensure(ctx context.Context, r Runner, packages []string, opts ...Option) (*Result, error) {
	if r == nil {
		return nil, ErrNoRunner
	}

	cleaned := make([]string, 0, len(packages))
	for _, name := range packages {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !validPackageName.MatchString(name) {
			return nil, InvalidPackageError{Name: name}
		}
		cleaned = append(cleaned, name)
	}
	if len(cleaned) == 0 {
		return nil, InvalidPackageError{}
	}

	config := options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&config); err != nil {
			return nil, err
		}
	}

	result := &Result{Packages: cleaned}
	if !config.force {
		checkCmd := config.checkCmd
		if checkCmd == "" {
			checkCmd = buildCheckCommand(cleaned)
		}
		if _, _, err := r.Run(ctx, checkCmd, nil); err == nil {
			result.Skipped = true
			result.Details = append(result.Details, "all packages already present")
			return result, nil
		}
	}

	onLine := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		result.Details = append(result.Details, line)
		if config.onProgress == nil {
			return
		}
		if m := aptStatus.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.ParseFloat(m[1], 64)
			msg := strings.TrimSpace(m[2])
			if msg == "" {
				msg = "Installing system packages..."
			}
			config.onProgress(progress.Structured{
				Percent: progress.Clamp(int(pct), 0, 100),
				Step:    progress.StepInstall,
				Message: msg,
			})
			return
		}
		if m := aptProgress.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.Atoi(m[1])
			config.onProgress(progress.Structured{
				Percent: progress.Clamp(pct, 0, 100),
				Step:    progress.StepInstall,
				Message: "Installing system packages...",
			})
			return
		}
		config.onProgress(progress.Text(line))
	}

	if _, stderr, err := r.Run(ctx, buildInstallCommand(cleaned), onLine); err != nil {
		if strings.Contains(stderr, noManagerMarker) {
			return nil, NoPackageManagerError{Packages: cleaned}
		}
		return nil, InstallError{Packages: cleaned, Err: err, Stderr: stderr}
	}

	result.Installed = true
	return result, nil
}

func buildCheckCommand(packages []string) string {
	parts := make([]string, 0, len(packages))
	for _, name := range packages {
		parts = append(parts, fmt.Sprintf("command -v %s >/dev/null 2>&1", shellQuote(name)))
	}
	return strings.Join(parts, " && ")
}

func buildInstallCommand(packages []string) string {
	quoted := make([]string, 0, len(packages))
	for _, name := range packages {
		quoted = append(quoted, shellQuote(name))
	}
	list := strings.Join(quoted, " ")
	return fmt.Sprintf(`
set -euo pipefail
if command -v apt-get >/dev/null 2>&1; then
	export DEBIAN_FRONTEND=noninteractive
	apt-get update -y >/dev/null 2>&1
	apt-get install -y -o APT::Status-Fd=1 -o Dpkg::Progress-Fancy=1 %[1]s
elif command -v dnf >/dev/null 2>&1; then
	dnf install -y %[1]s
elif command -v yum >/dev/null 2>&1; then
	yum install -y %[1]s
elif command -v zypper >/dev/null 2>&1; then
	zypper --non-interactive install -y %[1]s
elif command -v pacman >/dev/null 2>&1; then
	pacman -S --noconfirm --needed %[1]s
else
	echo %[2]q >&2
	exit 1
fi
`, list, noManagerMarker)
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
