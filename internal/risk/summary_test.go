package risk

import (
	"testing"
	"time"
)

// Wednesday afternoon UTC. Most tests hang history off this instant.
var baseTime = time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)

func histTx(id, recipient string, amount float64, ts time.Time) Transaction {
	return Transaction{
		ID:           id,
		AccountID:    "acct_1",
		Amount:       amount,
		RecipientKey: recipient,
		Timestamp:    ts,
	}
}

func TestSummarizeExcludesCurrentTransaction(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)
	window := HistoryWindow{
		histTx("txn_current", "merchant_a", 100, baseTime), // same ID as current
		histTx("txn_1", "merchant_a", 50, baseTime.Add(-time.Hour)),
	}

	sum := Summarize(window, &current, 0)

	if sum.Count != 1 {
		t.Fatalf("expected 1 summarized transaction, got %d", sum.Count)
	}
	prof := sum.Recipients["merchant_a"]
	if prof == nil || prof.OccurrenceCount != 1 {
		t.Fatalf("current transaction leaked into recipient profile: %+v", prof)
	}
	if prof.TypicalAmount != 50 {
		t.Errorf("typical amount should exclude current txn: got %f", prof.TypicalAmount)
	}
}

func TestSummarizeExcludesNewerTransactions(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)
	window := HistoryWindow{
		histTx("txn_future", "merchant_a", 999, baseTime.Add(time.Minute)),
		histTx("txn_old", "merchant_a", 40, baseTime.Add(-2*time.Hour)),
	}

	sum := Summarize(window, &current, 0)

	if sum.Count != 1 {
		t.Fatalf("expected newer entry dropped, got count %d", sum.Count)
	}
	if got := sum.Recipients["merchant_a"].TypicalAmount; got != 40 {
		t.Errorf("typical amount includes future entry: got %f", got)
	}
}

func TestSummarizeTypicalAmountIsMean(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)
	window := HistoryWindow{
		histTx("t1", "merchant_a", 10, baseTime.Add(-3*time.Hour)),
		histTx("t2", "merchant_a", 20, baseTime.Add(-2*time.Hour)),
		histTx("t3", "merchant_a", 60, baseTime.Add(-1*time.Hour)),
		histTx("t4", "merchant_b", 500, baseTime.Add(-1*time.Hour)),
	}

	sum := Summarize(window, &current, 0)

	a := sum.Recipients["merchant_a"]
	if a.OccurrenceCount != 3 {
		t.Fatalf("merchant_a occurrences: got %d, want 3", a.OccurrenceCount)
	}
	if a.TypicalAmount != 30 {
		t.Errorf("merchant_a typical amount: got %f, want 30", a.TypicalAmount)
	}
	if b := sum.Recipients["merchant_b"]; b.TypicalAmount != 500 {
		t.Errorf("merchant_b typical amount: got %f, want 500", b.TypicalAmount)
	}
}

func TestSummarizeOrderInsensitive(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)
	window := HistoryWindow{
		histTx("t1", "merchant_a", 10, baseTime.Add(-3*time.Hour)),
		histTx("t2", "merchant_a", 20, baseTime.Add(-2*time.Hour)),
		histTx("t3", "merchant_b", 60, baseTime.Add(-1*time.Hour)),
	}
	shuffled := HistoryWindow{window[2], window[0], window[1]}

	a := Summarize(window, &current, 0)
	b := Summarize(shuffled, &current, 0)

	if a.Count != b.Count ||
		a.Recipients["merchant_a"].TypicalAmount != b.Recipients["merchant_a"].TypicalAmount ||
		len(a.Timestamps) != len(b.Timestamps) {
		t.Errorf("summaries differ under reordering: %+v vs %+v", a, b)
	}
	for i := range a.Timestamps {
		if !a.Timestamps[i].Equal(b.Timestamps[i]) {
			t.Errorf("timestamp order differs at %d: %v vs %v", i, a.Timestamps[i], b.Timestamps[i])
		}
	}
}

func TestSummarizeEmptyWindow(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)

	sum := Summarize(nil, &current, 0)

	if sum.Count != 0 || len(sum.Recipients) != 0 || len(sum.Timestamps) != 0 {
		t.Errorf("empty window should yield zero summary: %+v", sum)
	}
}

func TestSummarizeTimestampsNewestFirst(t *testing.T) {
	current := histTx("txn_current", "merchant_a", 100, baseTime)
	window := HistoryWindow{
		histTx("t1", "m", 1, baseTime.Add(-3*time.Hour)),
		histTx("t2", "m", 1, baseTime.Add(-1*time.Hour)),
		histTx("t3", "m", 1, baseTime.Add(-2*time.Hour)),
	}

	sum := Summarize(window, &current, 0)

	for i := 1; i < len(sum.Timestamps); i++ {
		if sum.Timestamps[i].After(sum.Timestamps[i-1]) {
			t.Fatalf("timestamps not sorted newest first: %v", sum.Timestamps)
		}
	}
}

func TestSummarizeWeekendCountsWithOffset(t *testing.T) {
	// 2025-03-08 is a Saturday. 23:30 UTC Friday becomes Saturday 00:30
	// with a +60 minute offset.
	fri := time.Date(2025, 3, 7, 23, 30, 0, 0, time.UTC)
	current := histTx("txn_current", "m", 10, fri.Add(time.Hour))
	window := HistoryWindow{histTx("t1", "m", 10, fri)}

	utc := Summarize(window, &current, 0)
	if utc.WeekendCount != 0 || utc.WeekdayCount != 1 {
		t.Errorf("UTC Friday counted as weekend: %+v", utc)
	}

	shifted := Summarize(window, &current, 60)
	if shifted.WeekendCount != 1 || shifted.WeekdayCount != 0 {
		t.Errorf("offset should push Friday 23:30 into Saturday: %+v", shifted)
	}
}
