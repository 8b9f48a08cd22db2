package recall

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeRange = errors.New("invalid time range")

// TimeRange bounds a history search. Zero ends are open.
type TimeRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

func (r TimeRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Overlaps reports whether [start, end] shares any instant with the range.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	if end.IsZero() {
		end = start
	}
	if !r.From.IsZero() && end.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && start.After(r.To) {
		return false
	}
	return true
}

// ParseTimeRange accepts a lookback ("36h", "7d", "2w") or an interval of
// RFC 3339 timestamps or dates separated by "/", either side optional
// ("2026-01-01/2026-02-01", "2026-01-01T09:00:00Z/").
func ParseTimeRange(s string, now time.Time) (TimeRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeRange{}, nil
	}

	if from, to, ok := strings.Cut(s, "/"); ok {
		var r TimeRange
		var err error
		if r.From, err = parseInstant(from, false); err != nil {
			return TimeRange{}, err
		}
		if r.To, err = parseInstant(to, true); err != nil {
			return TimeRange{}, err
		}
		if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
			return TimeRange{}, fmt.Errorf("%w: %q ends before it starts", ErrInvalidTimeRange, s)
		}
		return r, nil
	}

	d, err := parseLookback(s)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{From: now.Add(-d)}, nil
}

func parseLookback(s string) (time.Duration, error) {
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	}
	if unit > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[:len(s)-1]))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeRange, s)
		}
		return time.Duration(n) * unit, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeRange, s)
	}
	return d, nil
}

// parseInstant reads one end of an interval. A bare date used as the upper
// bound covers the whole day.
func parseInstant(s string, upper bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeRange, s)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
