package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ConsoleOutput keeps logs on stderr.
const ConsoleOutput = "console"

// Init parses and sets the log level, and sends output to a rotating file
// unless logPath is empty or "console".
func Init(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != ConsoleOutput {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return err
		}
		lumberjackLogger := &lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	} else {
		log.SetOutput(os.Stderr)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(level)
	return nil
}

// WithRun tags every entry of one installation run.
func WithRun(logger log.FieldLogger, runID, target string) log.FieldLogger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return logger.WithFields(log.Fields{"run": runID, "target": target})
}
