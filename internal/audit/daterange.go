package audit

import (
	"errors"
	"fmt"
	"time"
)

// Preset names a relative date range resolved at query time.
type Preset string

const (
	PresetToday      Preset = "today"
	PresetYesterday  Preset = "yesterday"
	PresetLast7Days  Preset = "last_7_days"
	PresetLast30Days Preset = "last_30_days"
	PresetThisMonth  Preset = "this_month"
	PresetLastMonth  Preset = "last_month"
)

// DateRange selects events by timestamp: either a named preset or an
// explicit start/end pair. Both boundaries are inclusive.
type DateRange struct {
	Preset Preset
	Start  time.Time
	End    time.Time
}

// ErrInvalidRange is returned for unknown presets or inverted custom ranges.
var ErrInvalidRange = errors.New("audit: invalid date range")

// Resolve turns the range into absolute inclusive UTC boundaries relative to
// now. Presets always resolve when the query runs, never when it is built.
func (r DateRange) Resolve(now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch r.Preset {
	case "":
		if r.Start.IsZero() || r.End.IsZero() {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
		}
		start, end := r.Start.UTC(), r.End.UTC()
		if end.Before(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end precedes start", ErrInvalidRange)
		}
		return start, end, nil
	case PresetToday:
		return midnight, now, nil
	case PresetYesterday:
		return midnight.AddDate(0, 0, -1), midnight.Add(-time.Nanosecond), nil
	case PresetLast7Days:
		return now.AddDate(0, 0, -7), now, nil
	case PresetLast30Days:
		return now.AddDate(0, 0, -30), now, nil
	case PresetThisMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), now, nil
	case PresetLastMonth:
		firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfThis.AddDate(0, -1, 0), firstOfThis.Add(-time.Nanosecond), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidRange, r.Preset)
	}
}

// ParsePreset validates a preset name supplied over the wire.
func ParsePreset(s string) (Preset, error) {
	switch Preset(s) {
	case PresetToday, PresetYesterday, PresetLast7Days, PresetLast30Days, PresetThisMonth, PresetLastMonth:
		return Preset(s), nil
	default:
		return "", fmt.Errorf("%w: unknown preset %q", ErrInvalidRange, s)
	}
}
