package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPhaseSplit is where a download sub-step hands off to extraction.
const DefaultPhaseSplit = 50

// BytesWritten parses byte counters such as PowerShell's
// "Number of bytes written: 1048576" and scales them into [0, ceiling]
// against the estimated total. Without a total it never reports.
func BytesWritten(pattern *regexp.Regexp, ceiling int) Parser {
	return ParserFunc(func(chunk string, last int, estimatedTotal int64) (Reading, bool) {
		if estimatedTotal <= 0 {
			return Reading{}, false
		}
		matches := pattern.FindAllStringSubmatch(chunk, -1)
		if len(matches) == 0 {
			return Reading{}, false
		}
		digits := strings.ReplaceAll(matches[len(matches)-1][1], ",", "")
		written, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return Reading{}, false
		}
		pct := int(math.Floor(float64(written) / float64(estimatedTotal) * float64(ceiling)))
		pct = Clamp(pct, 0, ceiling)
		if pct <= last {
			return Reading{}, false
		}
		return Reading{Percent: pct}, true
	})
}

// Incrementing advances by step on every chunk until ceiling. It is used for
// tools that print activity but no numbers.
func Incrementing(step, ceiling int) Parser {
	return ParserFunc(func(_ string, last int, _ int64) (Reading, bool) {
		if last >= ceiling {
			return Reading{}, false
		}
		return Reading{Percent: Clamp(last+step, 0, ceiling)}, true
	})
}

// Only verifying update, the terminal state, forces 100. Verifying install
// also opens a run, so it reports its own percentage.
var (
	steamDownloading  = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) downloading, progress: (\d+(?:\.\d+)?)`)
	steamVerifyUpdate = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) verifying update`)
	steamVerifyInst   = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) verifying install, progress: (\d+(?:\.\d+)?)`)
	steamPrealloc     = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) preallocating, progress: (\d+(?:\.\d+)?)`)
	steamSuccess      = regexp.MustCompile(`Success! App '\d+' fully installed`)
)

// SteamCMD parses the console output of steamcmd's app_update. It keeps state
// for a single run and must not be shared between runs.
type SteamCMD struct {
	started bool
}

// NewSteamCMD returns a parser for one steamcmd invocation.
func NewSteamCMD() *SteamCMD {
	return &SteamCMD{}
}

// Parse implements Parser.
func (p *SteamCMD) Parse(chunk string, last int, _ int64) (Reading, bool) {
	var (
		out Reading
		ok  bool
	)
	for _, line := range strings.FieldsFunc(chunk, isLineBreak) {
		r, matched := p.parseLine(line, last)
		if !matched {
			continue
		}
		out, ok = r, true
		if r.Message == steamStartMessage {
			// the one-time start notice must reach the runner on its own
			break
		}
		if r.Percent > last {
			last = r.Percent
		}
	}
	return out, ok
}

const steamStartMessage = "Starting download..."

func (p *SteamCMD) parseLine(line string, last int) (Reading, bool) {
	switch {
	case steamSuccess.MatchString(line):
		return Reading{Percent: 100, Step: StepDownload, Message: "App installed.", Force: true}, true
	case steamVerifyUpdate.MatchString(line):
		return Reading{Percent: 100, Step: StepDownload, Message: "Verifying download...", Force: true}, true
	case steamDownloading.MatchString(line):
		if !p.started {
			p.started = true
			return Reading{Percent: 0, Step: StepDownload, Message: steamStartMessage, Force: true}, true
		}
		pct := parsePercent(steamDownloading.FindStringSubmatch(line)[1])
		if pct < last {
			return Reading{}, false
		}
		return Reading{Percent: pct, Step: StepDownload, Message: downloadingMessage(pct), Force: true}, true
	case steamVerifyInst.MatchString(line):
		pct := parsePercent(steamVerifyInst.FindStringSubmatch(line)[1])
		if pct <= last {
			return Reading{}, false
		}
		return Reading{Percent: pct, Step: StepDownload, Message: "Verifying installed files..."}, true
	case steamPrealloc.MatchString(line):
		return Reading{Percent: last, Step: StepDownload, Message: "Allocating disk space...", Force: true}, true
	}
	return Reading{}, false
}

func parsePercent(raw string) int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if f > 100 {
		f = 100
	}
	return Clamp(int(math.Floor(f)), 0, 100)
}

func downloadingMessage(pct int) string {
	return "Downloading... (" + strconv.Itoa(pct) + "%)"
}

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r'
}
