package risk

import "time"

// DeriveSignals computes the behavioral signals for one transaction from the
// account summary. Purely deterministic, side-effect free: identical inputs
// always yield identical signals.
func DeriveSignals(tx *Transaction, sum *AccountSummary, p Params) PatternSignals {
	var sig PatternSignals

	if prof, ok := sum.Recipients[tx.RecipientKey]; ok && prof.OccurrenceCount >= 1 {
		sig.KnownRecipient = true
		if prof.TypicalAmount > 0 {
			sig.HasBaseline = true
			sig.TypicalAmount = prof.TypicalAmount
			sig.AmountDeviationRatio = tx.Amount / prof.TypicalAmount
		}
	}

	local := tx.Timestamp.UTC().Add(time.Duration(p.UTCOffsetMinutes) * time.Minute)
	sig.OffHours = inHourRange(local.Hour(), p.OffHoursStart, p.OffHoursEnd)
	wd := local.Weekday()
	sig.Weekend = wd == time.Saturday || wd == time.Sunday

	sig.Velocity15m = countSince(sum.Timestamps, tx.Timestamp.Add(-15*time.Minute))
	sig.Velocity60m = countSince(sum.Timestamps, tx.Timestamp.Add(-60*time.Minute))
	sig.VelocityFlag = sig.Velocity15m > p.Velocity15mThreshold ||
		sig.Velocity60m > p.Velocity60mThreshold

	return sig
}

// inHourRange reports whether hour falls in [start, end), wrapping midnight
// when start > end (e.g. 23..6 covers 23:00-05:59). start == end means the
// range is empty.
func inHourRange(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// countSince counts timestamps strictly after cutoff. ts must be sorted
// newest first (Summarize guarantees this), so the scan stops early.
func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.After(cutoff) {
			break
		}
		n++
	}
	return n
}
