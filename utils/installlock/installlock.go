// Package installlock implements the cross-process marker file that keeps two
// installation runs from targeting the same install root at the same time.
//
// The marker's existence is authoritative. Its content (a unix timestamp) is
// only kept for diagnostics.
package installlock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// FileName is the marker created under the install root.
const FileName = ".install.lock"

// Lock is a file based mutual-exclusion flag scoped to one install root.
type Lock struct {
	path   string
	now    func() time.Time
	logger log.FieldLogger
}

// Option configures a Lock.
type Option func(*Lock)

// WithLogger overrides the logger used for swallowed filesystem errors.
func WithLogger(logger log.FieldLogger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the timestamp source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a lock for the given install root.
func New(installRoot string, opts ...Option) *Lock {
	l := &Lock{
		path:   filepath.Join(installRoot, FileName),
		now:    time.Now,
		logger: log.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Path returns the marker file location.
func (l *Lock) Path() string {
	return l.path
}

// IsLocked reports whether the marker exists. Filesystem errors other than
// "not found" are treated as unlocked.
func (l *Lock) IsLocked() bool {
	_, err := os.Stat(l.path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		l.logger.Debugf("install lock stat %s: %v", l.path, err)
	}
	return false
}

// Acquire creates the marker and records the current time. Errors are logged
// and swallowed.
func (l *Lock) Acquire() {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.logger.Warnf("install lock: create directory: %v", err)
		return
	}
	stamp := strconv.FormatInt(l.now().UnixMilli(), 10)
	if err := os.WriteFile(l.path, []byte(stamp), 0o644); err != nil {
		l.logger.Warnf("install lock: write %s: %v", l.path, err)
	}
}

// Release removes the marker if present. Errors are logged and swallowed.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warnf("install lock: remove %s: %v", l.path, err)
	}
}

// AcquiredAt parses the diagnostic timestamp. It returns false when the
// marker is missing or unreadable.
func (l *Lock) AcquiredAt() (time.Time, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
