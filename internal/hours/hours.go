// Package hours evaluates business opening hours given as "HH:MM" strings.
package hours

import (
	"fmt"
	"time"
)

// TimeOfDay is minutes since local midnight.
type TimeOfDay int

// Parse reads a 24-hour "HH:MM" string.
func Parse(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: must be HH:MM", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// Of returns the wall-clock time of day of t in t's location.
func Of(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// String formats the time of day as "HH:MM".
func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(d)/60, int(d)%60)
}

// IsOpen reports whether now falls inside [opening, closing).
// A closing time earlier than the opening time wraps past midnight and
// equal times mean open around the clock.
func IsOpen(opening, closing, now TimeOfDay) bool {
	switch {
	case opening == closing:
		return true
	case opening < closing:
		return now >= opening && now < closing
	default:
		return now >= opening || now < closing
	}
}

// IsBusinessOpen is IsOpen over raw "HH:MM" strings, using now's location.
// Unparsable hours count as closed.
func IsBusinessOpen(openingTime, closingTime string, now time.Time) bool {
	opening, err := Parse(openingTime)
	if err != nil {
		return false
	}
	closing, err := Parse(closingTime)
	if err != nil {
		return false
	}
	return IsOpen(opening, closing, Of(now))
}
