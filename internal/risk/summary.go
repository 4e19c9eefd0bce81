package risk

import (
	"sort"
	"time"
)

// Summarize reduces a history window into the per-account and per-recipient
// aggregates used by signal derivation. The analyzed transaction is never
// included: entries sharing its ID are dropped, as are entries with a
// strictly newer timestamp (they arrived after the one under analysis).
//
// An empty or nil window yields a valid all-zero summary; a fresh account
// simply has no baselines. Recipient keys are compared by exact string
// equality. TypicalAmount is the arithmetic mean of prior amounts to that
// recipient.
func Summarize(window HistoryWindow, current *Transaction, utcOffsetMinutes int) *AccountSummary {
	sum := &AccountSummary{
		AccountID:  current.AccountID,
		Recipients: make(map[string]*RecipientProfile),
	}

	offset := time.Duration(utcOffsetMinutes) * time.Minute

	for i := range window {
		t := &window[i]
		if t.ID == current.ID || t.Timestamp.After(current.Timestamp) {
			continue
		}

		sum.Count++
		sum.Timestamps = append(sum.Timestamps, t.Timestamp)

		local := t.Timestamp.UTC().Add(offset)
		sum.HourCounts[local.Hour()]++
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			sum.WeekendCount++
		} else {
			sum.WeekdayCount++
		}

		p, ok := sum.Recipients[t.RecipientKey]
		if !ok {
			p = &RecipientProfile{}
			sum.Recipients[t.RecipientKey] = p
		}
		// Running mean keeps a single pass over the window.
		p.TypicalAmount = (p.TypicalAmount*float64(p.OccurrenceCount) + t.Amount) / float64(p.OccurrenceCount+1)
		p.OccurrenceCount++
		if t.Timestamp.After(p.LastSeen) {
			p.LastSeen = t.Timestamp
		}
	}

	// Newest first so velocity counting can stop at the first timestamp
	// outside the trailing window.
	sort.Slice(sum.Timestamps, func(i, j int) bool {
		return sum.Timestamps[i].After(sum.Timestamps[j])
	})

	return sum
}
