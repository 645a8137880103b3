package phases

import (
	"sync"

	"github.com/BrianJOC/gameserver-installer/utils/progress"
)

// PayloadReporter adapts installer progress, text or structured, to report.
// Percentages never go below floor; payloads without one repeat the last known value.
func PayloadReporter(report Reporter, floor int) func(progress.Payload) {
	var (
		mu   sync.Mutex
		last = progress.Clamp(floor, 0, 100)
	)
	return func(p progress.Payload) {
		if report == nil || p == nil {
			return
		}
		u := progress.Normalize(p)
		mu.Lock()
		if u.Known {
			last = progress.Clamp(u.Percent, floor, 100)
		}
		pct := last
		mu.Unlock()

		step := u.Step
		if step == "" {
			step = progress.StepInstall
		}
		report(progress.Event{Percent: pct, Step: step, Message: u.Message})
	}
}
