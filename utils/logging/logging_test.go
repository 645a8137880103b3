package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	require.Error(t, Init("chatty", ConsoleOutput))
}

func TestInitWritesToFile(t *testing.T) {
	prevLevel := log.GetLevel()
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "installer.log")
	require.NoError(t, Init("debug", path))
	require.Equal(t, log.DebugLevel, log.GetLevel())

	log.Info("hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestWithRunAddsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	WithRun(logger, "abc", "server").Info("started")
	require.Contains(t, buf.String(), "run=abc")
	require.Contains(t, buf.String(), "target=server")
}
