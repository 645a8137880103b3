// Package progress holds the progress vocabulary shared by the process runner,
// the tool installers and the orchestrator: events, parser contracts, and the
// text-or-structured payload reported by installers.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Step identifies what a progress event describes.
type Step string

const (
	StepDownload Step = "download"
	StepExtract  Step = "extract"
	StepInstall  Step = "install"
	StepError    Step = "error"
	StepComplete Step = "complete"
)

// Event is a normalized progress update. Percent is always within [0,100].
type Event struct {
	Percent int
	Step    Step
	Message string
}

// Func receives progress events.
type Func func(Event)

// Reading is what a parser extracts from one chunk of tool output.
//
// Step and Message are optional; the runner fills in download defaults.
// Force lets a tool-specific parser publish a status change at the current
// percent, which the runner never lets go below the last emitted value.
type Reading struct {
	Percent int
	Step    Step
	Message string
	Force   bool
}

// Parser converts raw output into a Reading. ok is false for "no update".
type Parser interface {
	Parse(chunk string, last int, estimatedTotal int64) (reading Reading, ok bool)
}

// ParserFunc adapts a stateless function to Parser.
type ParserFunc func(chunk string, last int, estimatedTotal int64) (Reading, bool)

// Parse implements Parser.
func (f ParserFunc) Parse(chunk string, last int, estimatedTotal int64) (Reading, bool) {
	return f(chunk, last, estimatedTotal)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Payload is the progress report of an installer: either raw Text or a
// Structured update.
type Payload interface {
	isPayload()
}

// Text is an unstructured line of installer output.
type Text string

func (Text) isPayload() {}

// Structured is a pre-parsed update. A negative Percent means unknown.
type Structured struct {
	Percent int
	Step    Step
	Message string
}

func (Structured) isPayload() {}

// Update is the canonical form of a Payload.
type Update struct {
	Percent int
	Known   bool
	Step    Step
	Message string
}

var percentPattern = regexp.MustCompile(`(\d{1,3})(?:\.\d+)?\s*%`)

// Normalize turns any Payload into an Update. Text payloads fall back to the
// last "NN%" substring they contain.
func Normalize(p Payload) Update {
	switch v := p.(type) {
	case Structured:
		u := Update{Step: v.Step, Message: strings.TrimSpace(v.Message)}
		if v.Percent >= 0 {
			u.Percent = Clamp(v.Percent, 0, 100)
			u.Known = true
		}
		return u
	case *Structured:
		if v == nil {
			return Update{}
		}
		return Normalize(*v)
	case Text:
		msg := strings.TrimSpace(string(v))
		u := Update{Message: msg}
		matches := percentPattern.FindAllStringSubmatch(msg, -1)
		if len(matches) == 0 {
			return u
		}
		n, err := strconv.Atoi(matches[len(matches)-1][1])
		if err != nil {
			return u
		}
		u.Percent = Clamp(n, 0, 100)
		u.Known = true
		return u
	default:
		return Update{}
	}
}

// FromEvent wraps a runner Event as a Structured payload.
func FromEvent(e Event) Payload {
	return Structured{Percent: e.Percent, Step: e.Step, Message: e.Message}
}
