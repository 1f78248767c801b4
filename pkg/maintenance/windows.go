package maintenance

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ltessier/mediastore/internal/logger"
)

// Windows define when a maintenance loop may run: per weekday, a list of
// local-time minute ranges. An empty Windows never admits execution, which
// is how dangerous loops stay disabled by default.
type Windows map[time.Weekday][]TimeRange

// TimeRange is a [Start, End) span in minutes since local midnight.
type TimeRange struct {
	Start int
	End   int
}

var dayNames = map[string]time.Weekday{
	"mo": time.Monday,
	"tu": time.Tuesday,
	"we": time.Wednesday,
	"th": time.Thursday,
	"fr": time.Friday,
	"sa": time.Saturday,
	"su": time.Sunday,
}

var windowPattern = regexp.MustCompile(
	`^(mo|tu|we|th|fr|sa|su)\[(\d{1,2}:\d{2}\.\.\d{1,2}:\d{2}(?:,\d{1,2}:\d{2}\.\.\d{1,2}:\d{2})*)\]$`)

// ParseWindows parses a whitespace-separated list of
// `<day>[HH:MM..HH:MM,...]` definitions. Malformed tokens are logged and
// skipped, matching the lenient treatment configuration has always had.
func ParseWindows(definition string) Windows {
	windows := make(Windows)
	for _, token := range strings.Fields(strings.ToLower(definition)) {
		m := windowPattern.FindStringSubmatch(token)
		if m == nil {
			logger.Warn("ignoring malformed execution window", "window", token)
			continue
		}
		day := dayNames[m[1]]
		for _, span := range strings.Split(m[2], ",") {
			bounds := strings.SplitN(span, "..", 2)
			windows[day] = append(windows[day], TimeRange{
				Start: parseClock(bounds[0]),
				End:   parseClock(bounds[1]),
			})
		}
		logger.Info("validated execution window", "window", token)
	}
	return windows
}

func parseClock(s string) int {
	parts := strings.SplitN(s, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute, _ := strconv.Atoi(parts[1])
	return hour*60 + minute
}

// Contains reports whether t falls inside any configured range.
func (w Windows) Contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	for _, r := range w[t.Weekday()] {
		if r.Start <= minutes && minutes < r.End {
			return true
		}
	}
	return false
}

// Empty reports whether the windows never admit execution.
func (w Windows) Empty() bool {
	return len(w) == 0
}

// Always admits execution at any time, for loops that should run
// continuously.
func Always() Windows {
	w := make(Windows, 7)
	for _, day := range dayNames {
		w[day] = []TimeRange{{Start: 0, End: 24 * 60}}
	}
	return w
}
