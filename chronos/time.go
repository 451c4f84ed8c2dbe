package chronos

import (
	"time"
	_ "time/tzdata"
)

// Returns current time, if [tz] is "" or "UTC", then returns as UTC
// If [tz] is "LOCAL", returns [time.Time] in current local time
//
// Othwerwise, [tz] can be any valid IANA timezone db file name.
// eg: "America/Chicago"
func Now(tz string) time.Time {
	loc, _ := time.LoadLocation(tz)
	return time.Now().In(loc)
}

func Dur(s string) time.Duration {
	t, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Returns the entries of [stamps] newer than [window] relative to [now].
// Order is preserved; the result is a fresh slice.
func Prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := make([]time.Time, 0, len(stamps))
	for _, s := range stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}
