package domain

import "time"

// ModelUsage holds the mutable counters for one model. The struct is the
// persisted payload as well: it marshals to JSON with an RFC 3339
// LastResetTime so the durable record keeps its zone offset.
//
// Invariants after every successful mutation:
// 0 <= RPMUsed <= RPM, 0 <= RPDUsed <= RPD, and for non-reserve callers
// RPDUsed <= RPD - ReservePool.
type ModelUsage struct {
	RPMUsed       int       `json:"rpm_used"`
	RPDUsed       int       `json:"rpd_used"`
	TPMUsed       int       `json:"tpm_used"`
	LastResetTime time.Time `json:"last_reset_time"`
}

// NewModelUsage returns a fresh record with all counters at zero and the
// reset timestamp anchored at now.
func NewModelUsage(now time.Time) ModelUsage {
	return ModelUsage{LastResetTime: now}
}

// ApplyResets clears any counter whose window has elapsed, using loc as the
// reference zone for the daily boundary. Resets are detected lazily on
// access; there is no background timer. Reports whether the record changed
// and therefore needs to be persisted again.
//
// The daily check runs first, against the pre-rolling-window timestamp: a
// midnight crossing must clear RPDUsed even when the same access also
// restarts the rolling minute.
func (u *ModelUsage) ApplyResets(now time.Time, loc *time.Location) bool {
	if u.LastResetTime.IsZero() {
		u.LastResetTime = now
		return true
	}

	changed := false
	last := u.LastResetTime

	ly, lm, ld := last.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	if ly != ny || lm != nm || ld != nd {
		if u.RPDUsed != 0 {
			changed = true
		}
		u.RPDUsed = 0
		// Re-anchor at the preceding local midnight so further accesses
		// inside the same still-open minute window see today's date and do
		// not clear the daily counter again.
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		if midnight.After(u.LastResetTime) {
			u.LastResetTime = midnight
			changed = true
		}
	}

	// The rolling window is measured from the pre-anchor timestamp: the
	// re-anchor above must not mask a window that had already elapsed.
	if now.Sub(last) >= time.Minute {
		u.RPMUsed = 0
		u.TPMUsed = 0
		u.LastResetTime = now
		changed = true
	}

	return changed
}

// NextDailyReset returns the next local-midnight boundary in loc strictly
// after now.
func NextDailyReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, 1)
}

// HoursUntilDailyReset returns the hours remaining until the next daily
// boundary in loc, clamped to (0, 24]. The clamp matters once a year: the
// fall-back DST day spans 25 wall-clock hours.
func HoursUntilDailyReset(now time.Time, loc *time.Location) float64 {
	h := NextDailyReset(now, loc).Sub(now).Hours()
	if h > 24 {
		return 24
	}
	return h
}
