package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cadencebot/internal/pacing"
)

// ParseDurationField parses a Go duration string. Empty means 0.
// path is the dotted field name used in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// SecondsRange is a [min, max] range in seconds.
//
// It decodes from [20, 40], "20,40", "20-40" or a single number (min == max).
type SecondsRange struct {
	Min float64
	Max float64
	set bool
}

// Seconds builds a range that counts as set.
func Seconds(min, max float64) SecondsRange {
	return SecondsRange{Min: min, Max: max, set: true}
}

// IsSet reports whether the field was present in the input.
func (r SecondsRange) IsSet() bool { return r.set }

func (r *SecondsRange) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = SecondsRange{}
		return nil
	}
	switch {
	case len(b) > 0 && b[0] == '[':
		var pair []float64
		if err := json.Unmarshal(b, &pair); err != nil {
			return fmt.Errorf("range: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("range: want 2 numbers, got %d", len(pair))
		}
		*r = Seconds(pair[0], pair[1])
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return r.parseString(s)
	default:
		var v float64
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("range: %w", err)
		}
		*r = Seconds(v, v)
		return nil
	}
}

func (r *SecondsRange) parseString(s string) error {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, ",-")
	if sep <= 0 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("range: invalid %q", s)
		}
		*r = Seconds(v, v)
		return nil
	}
	lo, err1 := strconv.ParseFloat(strings.TrimSpace(s[:sep]), 64)
	hi, err2 := strconv.ParseFloat(strings.TrimSpace(s[sep+1:]), 64)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("range: invalid %q (want \"min,max\")", s)
	}
	*r = Seconds(lo, hi)
	return nil
}

func (r SecondsRange) MarshalJSON() ([]byte, error) {
	if !r.set {
		return []byte("null"), nil
	}
	return json.Marshal([2]float64{r.Min, r.Max})
}

// Bounds converts to pacing.Bounds. Inverted or negative ranges are an error
// and are never swapped.
func (r SecondsRange) Bounds(path string) (pacing.Bounds, error) {
	b := pacing.Bounds{
		Min: time.Duration(r.Min * float64(time.Second)),
		Max: time.Duration(r.Max * float64(time.Second)),
	}
	if err := b.Validate(); err != nil {
		return pacing.Bounds{}, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
