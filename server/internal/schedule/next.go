package schedule

import (
	"fmt"
	"time"

	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// NextTrigger computes the first instant strictly after `after` at which a
// schedule with the given wall-clock time and frequency fires, evaluated in
// the schedule's timezone. A nil result means the schedule never fires again
// (a "once" schedule whose time has passed).
func NextTrigger(scheduledTime time.Time, freq protocol.Frequency, timezone string, after time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid timezone %q: %w", timezone, err)
	}

	local := scheduledTime.In(loc)
	hour, minute, sec := local.Clock()

	if freq == protocol.FrequencyOnce {
		if scheduledTime.After(after) {
			t := scheduledTime
			return &t, nil
		}
		return nil, nil
	}

	// Walk forward day by day from `after` until the wall-clock instant both
	// lies in the future and matches the frequency's day filter. Two weeks
	// bounds every recurring frequency.
	base := after.In(loc)
	for days := 0; days <= 14; days++ {
		day := base.AddDate(0, 0, days)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, sec, 0, loc)
		if !candidate.After(after) {
			continue
		}
		if matchesFrequency(candidate, local, freq) {
			utc := candidate.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("schedule: no next trigger for frequency %q", freq)
}

func matchesFrequency(candidate, scheduled time.Time, freq protocol.Frequency) bool {
	switch freq {
	case protocol.FrequencyDaily:
		return true
	case protocol.FrequencyWeekly:
		return candidate.Weekday() == scheduled.Weekday()
	case protocol.FrequencyWeekdays:
		wd := candidate.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	case protocol.FrequencyWeekends:
		wd := candidate.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	}
	return false
}
