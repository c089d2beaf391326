package pacing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange is returned for malformed "HH:MM-HH:MM" strings.
var ErrInvalidRange = errors.New("pacing: invalid time range")

const day = 24 * time.Hour

// Range is a [Start, End) time-of-day span expressed as offsets from midnight.
// End < Start wraps past midnight (e.g. 21:00-02:00). Start == End covers the whole day.
type Range struct {
	Start time.Duration
	End   time.Duration
}

// ParseRange parses a "HH:MM-HH:MM" string (24-hour clock).
func ParseRange(s string) (Range, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w: expected HH:MM-HH:MM, got %q", ErrInvalidRange, s)
	}
	start, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return Range{}, fmt.Errorf("%w: start: %w", ErrInvalidRange, err)
	}
	end, err := parseClock(strings.TrimSpace(parts[1]))
	if err != nil {
		return Range{}, fmt.Errorf("%w: end: %w", ErrInvalidRange, err)
	}
	return Range{Start: start, End: end}, nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0, fmt.Errorf("invalid hour: %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0, fmt.Errorf("invalid minute: %q", parts[1])
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %02d:%02d", h, m)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether the time-of-day offset falls inside the range.
func (r Range) Contains(offset time.Duration) bool {
	offset = ((offset % day) + day) % day
	start := ((r.Start % day) + day) % day
	end := ((r.End % day) + day) % day

	if start == end {
		return true
	}
	if start < end {
		return offset >= start && offset < end
	}
	// Midnight wrap.
	return offset >= start || offset < end
}

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", clockString(r.Start), clockString(r.End))
}

func clockString(d time.Duration) string {
	d = ((d % day) + day) % day
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int((d%time.Hour)/time.Minute))
}

// Window decides whether actions are currently permitted.
//
// Evaluation order: blackout first (always closed), then the window list
// (open if any contains now). An empty window list is always open.
type Window struct {
	windows  []Range
	blackout *Range
	loc      *time.Location
}

// Gate reasons reported by Window.Reason.
const (
	ReasonOpen           = "open"
	ReasonBlackout       = "blackout"
	ReasonOutsideWindows = "outside_windows"
)

// NewWindow builds a gate. A nil location means UTC: the ambient system
// timezone is never used implicitly.
func NewWindow(windows []Range, blackout *Range, loc *time.Location) *Window {
	if loc == nil {
		loc = time.UTC
	}
	w := &Window{windows: append([]Range(nil), windows...), loc: loc}
	if blackout != nil {
		b := *blackout
		w.blackout = &b
	}
	return w
}

// AlwaysOpen returns a gate with no restrictions.
func AlwaysOpen() *Window { return NewWindow(nil, nil, time.UTC) }

// IsOpen reports whether now falls inside an active operating window.
func (w *Window) IsOpen(now time.Time) bool {
	return w.Reason(now) == ReasonOpen
}

// Reason explains the gate decision for logs.
func (w *Window) Reason(now time.Time) string {
	if w == nil {
		return ReasonOpen
	}
	off := offsetOf(now.In(w.loc))
	if w.blackout != nil && w.blackout.Contains(off) {
		return ReasonBlackout
	}
	if len(w.windows) == 0 {
		return ReasonOpen
	}
	for _, r := range w.windows {
		if r.Contains(off) {
			return ReasonOpen
		}
	}
	return ReasonOutsideWindows
}

// Location is the clock of record for this gate.
func (w *Window) Location() *time.Location { return w.loc }

func offsetOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
