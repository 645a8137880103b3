package phases

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

func TestPayloadReporterAcceptsTextAndStructured(t *testing.T) {
	t.Parallel()

	var events []progress.Event
	fn := PayloadReporter(func(ev progress.Event) { events = append(events, ev) }, 10)

	fn(progress.Text("Reading package lists..."))
	fn(progress.Text("Unpacking xvfb (45%)"))
	fn(progress.Structured{Percent: -1, Message: "Setting up xvfb"})
	fn(progress.Structured{Percent: 80, Step: progress.StepDownload, Message: "Downloading... (80%)"})
	fn(progress.Structured{Percent: 2, Message: "low"})

	require.Equal(t, []progress.Event{
		{Percent: 10, Step: progress.StepInstall, Message: "Reading package lists..."},
		{Percent: 45, Step: progress.StepInstall, Message: "Unpacking xvfb (45%)"},
		{Percent: 45, Step: progress.StepInstall, Message: "Setting up xvfb"},
		{Percent: 80, Step: progress.StepDownload, Message: "Downloading... (80%)"},
		{Percent: 10, Step: progress.StepInstall, Message: "low"},
	}, events)
}
