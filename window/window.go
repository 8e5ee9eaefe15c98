// Package window derives the canonical daily window boundaries used to
// scope once-per-day entitlements. The product day resets at a fixed
// local wall-clock hour rather than midnight UTC.
package window

import "time"

// Period is the fixed length of an entitlement window.
const Period = 24 * time.Hour

// ResetHour is the local hour at which a new window begins.
const ResetHour = 8

const (
	summerOffset = -7 * time.Hour // PDT
	winterOffset = -8 * time.Hour // PST
)

// localOffset picks the daylight-saving offset by calendar month. April
// through October inclusive are treated as summer; this is a deliberate
// heuristic, not a tzdata lookup.
func localOffset(now time.Time) time.Duration {
	month := now.UTC().Month()
	if month >= time.April && month <= time.October {
		return summerOffset
	}
	return winterOffset
}

// CurrentWindowStart returns the most recent instant of the local reset
// hour at or before now. Exactly at the reset hour the new window is
// current. The result is a pure function of now: calling it repeatedly
// within one logical day always yields the same instant.
func CurrentWindowStart(now time.Time) time.Time {
	offset := localOffset(now)
	local := now.UTC().Add(offset)
	reset := time.Date(local.Year(), local.Month(), local.Day(), ResetHour, 0, 0, 0, time.UTC)
	if local.Before(reset) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset.Add(-offset)
}

// NextWindowStart returns the instant at which the window containing now
// ends and the next one begins. The boundary is re-derived at an
// instant shortly after the following reset, so the offset in force on
// that day decides it and the result stays exact across the seasonal
// shift, where consecutive windows are 23 or 25 hours apart.
func NextWindowStart(now time.Time) time.Time {
	return CurrentWindowStart(CurrentWindowStart(now).Add(Period + 2*time.Hour))
}

// Contains reports whether t falls inside the half-open window
// [start, start+Period).
func Contains(start, t time.Time) bool {
	return !t.Before(start) && t.Before(start.Add(Period))
}
