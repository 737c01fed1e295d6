package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a recurring weekly deployment window, e.g. "Mon-Fri 09:00-17:00 Europe/Berlin".
// A window whose end is before its start runs past midnight; the day list
// refers to the day the window opens.
type Window struct {
	days     [7]bool
	start    time.Duration
	end      time.Duration
	location *time.Location
	raw      string
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWindow parses "[Days] HH:MM-HH:MM [TZ]". Days is a comma separated
// list of names or ranges (Mon-Fri,Sun), or "daily"; it defaults to every day.
// TZ is an IANA zone name and defaults to UTC.
func ParseWindow(s string) (*Window, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 3 {
		return nil, fmt.Errorf("invalid deployment window %q", s)
	}

	w := &Window{location: time.UTC, raw: s}
	i := 0
	if !strings.Contains(fields[0], ":") {
		if err := w.parseDays(fields[0]); err != nil {
			return nil, fmt.Errorf("invalid deployment window %q: %w", s, err)
		}
		i++
	} else {
		for d := range w.days {
			w.days[d] = true
		}
	}

	if i >= len(fields) {
		return nil, fmt.Errorf("invalid deployment window %q: missing time range", s)
	}
	start, end, ok := strings.Cut(fields[i], "-")
	if !ok {
		return nil, fmt.Errorf("invalid deployment window %q: time range must be HH:MM-HH:MM", s)
	}
	var err error
	if w.start, err = parseClock(start); err != nil {
		return nil, fmt.Errorf("invalid deployment window %q: %w", s, err)
	}
	if w.end, err = parseClock(end); err != nil {
		return nil, fmt.Errorf("invalid deployment window %q: %w", s, err)
	}
	i++

	if i < len(fields) {
		loc, err := time.LoadLocation(fields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid deployment window %q: %w", s, err)
		}
		w.location = loc
		i++
	}
	if i != len(fields) {
		return nil, fmt.Errorf("invalid deployment window %q", s)
	}
	return w, nil
}

func (w *Window) parseDays(spec string) error {
	if strings.EqualFold(spec, "daily") {
		for d := range w.days {
			w.days[d] = true
		}
		return nil
	}
	for _, part := range strings.Split(spec, ",") {
		from, to, isRange := strings.Cut(part, "-")
		a, ok := weekdays[strings.ToLower(from)]
		if !ok {
			return fmt.Errorf("unknown day %q", from)
		}
		if !isRange {
			w.days[a] = true
			continue
		}
		b, ok := weekdays[strings.ToLower(to)]
		if !ok {
			return fmt.Errorf("unknown day %q", to)
		}
		for d := a; ; d = (d + 1) % 7 {
			w.days[d] = true
			if d == b {
				break
			}
		}
	}
	return nil
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether t falls inside the window. The start is inclusive and the end exclusive.
func (w *Window) Contains(t time.Time) bool {
	local := t.In(w.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.location)
	offset := local.Sub(midnight)
	day := local.Weekday()

	switch {
	case w.start == w.end:
		return w.days[day]
	case w.start < w.end:
		return w.days[day] && offset >= w.start && offset < w.end
	default:
		if offset >= w.start {
			return w.days[day]
		}
		// early hours belong to the window opened the previous evening
		return offset < w.end && w.days[(day+6)%7]
	}
}

func (w *Window) String() string {
	return w.raw
}
