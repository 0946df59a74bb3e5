package notifications

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether now, read in loc, falls inside [Start, End).
// Windows with Start after End wrap past midnight. Start == End is empty.
func (q QuietHours) Contains(now time.Time, loc *time.Location) (bool, error) {
	if !q.Enabled {
		return false, nil
	}
	start, err := ParseClock(q.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return false, nil
	case start < end:
		return minute >= start && minute < end, nil
	default:
		return minute >= start || minute < end, nil
	}
}

// Validate checks the window bounds without evaluating them.
func (q QuietHours) Validate() error {
	if _, err := ParseClock(q.Start); err != nil {
		return err
	}
	if _, err := ParseClock(q.End); err != nil {
		return err
	}
	return nil
}

// Location resolves the preference time zone, UTC when unset or invalid.
func (p Preferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
