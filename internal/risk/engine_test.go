package risk

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeScorer struct {
	result *ModelResult
	calls  int
}

func (f *fakeScorer) Score(ctx context.Context, tx *Transaction, sum *AccountSummary, sig PatternSignals) *ModelResult {
	f.calls++
	return f.result
}

type fakeHistory struct {
	window HistoryWindow
	err    error
}

func (f *fakeHistory) Window(ctx context.Context, accountID string, limit int) (HistoryWindow, error) {
	return f.window, f.err
}

func TestAnalyzeNewRecipientHighAmountEscalates(t *testing.T) {
	// Model says 0.3, but the transaction goes to an unseen recipient for
	// $1500: the rule floor must win.
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{Score: 0.3, Explanation: "low concern"}})

	tx := histTx("txn_1", "merchant_new", 1500, baseTime)
	window := HistoryWindow{
		histTx("h1", "merchant_known", 40, baseTime.Add(-time.Hour)),
	}

	dec, err := engine.AnalyzeWindow(context.Background(), &tx, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Score != 0.8 {
		t.Errorf("score: got %f, want floor 0.8", dec.Score)
	}
	if dec.Source != SourceModelWithRuleFloor {
		t.Errorf("source: got %q", dec.Source)
	}
	if dec.TriggeredRule != RuleNewRecipientHighAmount {
		t.Errorf("rule: got %q", dec.TriggeredRule)
	}
}

func TestAnalyzeModelAboveFloorSurvives(t *testing.T) {
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{Score: 0.95, Explanation: "matches fraud pattern"}})

	tx := histTx("txn_1", "merchant_new", 1500, baseTime)

	dec, err := engine.AnalyzeWindow(context.Background(), &tx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Score != 0.95 {
		t.Errorf("score: got %f, want model's 0.95", dec.Score)
	}
}

func TestAnalyzeModelFailureWithRuleUsesFastpath(t *testing.T) {
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{ErrKind: ErrKindTimeout}})

	tx := histTx("txn_1", "merchant_new", 1500, baseTime)

	dec, err := engine.AnalyzeWindow(context.Background(), &tx, nil)
	if err != nil {
		t.Fatalf("analysis must not fail on model timeout: %v", err)
	}
	if dec.Source != SourceRuleFastpath || dec.Score != 0.8 {
		t.Errorf("expected rule fastpath at 0.8, got %q %f", dec.Source, dec.Score)
	}
}

func TestAnalyzeModelFailureNoRuleFallsBack(t *testing.T) {
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{ErrKind: ErrKindUnavailable}})

	tx := histTx("txn_1", "merchant_known", 30, baseTime)
	window := HistoryWindow{
		histTx("h1", "merchant_known", 30, baseTime.Add(-time.Hour)),
	}

	dec, err := engine.AnalyzeWindow(context.Background(), &tx, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Source != SourceHeuristicFallback {
		t.Errorf("source: got %q", dec.Source)
	}
	if dec.Score != DefaultParams().HeuristicBase {
		t.Errorf("quiet daytime txn to known recipient: got %f, want base", dec.Score)
	}
}

func TestAnalyzeNoScorerConfigured(t *testing.T) {
	engine := NewEngine(DefaultParams())

	tx := histTx("txn_1", "merchant_known", 30, baseTime)

	dec, err := engine.AnalyzeWindow(context.Background(), &tx, nil)
	if err != nil {
		t.Fatalf("bare engine must still decide: %v", err)
	}
	if dec.Source != SourceHeuristicFallback {
		t.Errorf("source: got %q", dec.Source)
	}
}

func TestAnalyzeRejectsInvalidTransaction(t *testing.T) {
	engine := NewEngine(DefaultParams())

	cases := []Transaction{
		{AccountID: "a", RecipientKey: "r", Amount: 1, Timestamp: baseTime},     // no ID
		{ID: "t", RecipientKey: "r", Amount: 1, Timestamp: baseTime},            // no account
		{ID: "t", AccountID: "a", Amount: 1, Timestamp: baseTime},               // no recipient
		{ID: "t", AccountID: "a", RecipientKey: "r", Amount: -5, Timestamp: baseTime}, // negative
		{ID: "t", AccountID: "a", RecipientKey: "r", Amount: 1},                 // zero timestamp
	}

	for i, tx := range cases {
		if _, err := engine.Analyze(context.Background(), &tx); !errors.Is(err, ErrInvalidTransaction) {
			t.Errorf("case %d: expected ErrInvalidTransaction, got %v", i, err)
		}
	}
}

func TestAnalyzeHistoryFailureDegradesToEmptyWindow(t *testing.T) {
	// History provider down: the transaction still gets a decision, treated
	// like a fresh account.
	engine := NewEngine(DefaultParams()).
		WithHistory(&fakeHistory{err: errors.New("connection refused")}).
		WithScorer(&fakeScorer{result: &ModelResult{Score: 0.2, Explanation: "ok"}})

	tx := histTx("txn_1", "merchant_a", 50, baseTime)

	dec, err := engine.Analyze(context.Background(), &tx)
	if err != nil {
		t.Fatalf("history failure must not fail analysis: %v", err)
	}
	if dec.Signals.KnownRecipient {
		t.Error("empty window cannot know the recipient")
	}
	if dec.Source != SourceModel {
		t.Errorf("source: got %q", dec.Source)
	}
}

func TestAnalyzeIdempotentForSameWindow(t *testing.T) {
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{Score: 0.4, Explanation: "steady"}})

	tx := histTx("txn_1", "merchant_a", 300, baseTime)
	window := HistoryWindow{
		histTx("h1", "merchant_a", 30, baseTime.Add(-2*time.Hour)),
		histTx("h2", "merchant_a", 30, baseTime.Add(-time.Hour)),
	}

	a, err := engine.AnalyzeWindow(context.Background(), &tx, window)
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.AnalyzeWindow(context.Background(), &tx, window)
	if err != nil {
		t.Fatal(err)
	}

	if a.Score != b.Score || a.Source != b.Source || a.TriggeredRule != b.TriggeredRule ||
		a.Signals != b.Signals {
		t.Errorf("same input produced different decisions: %+v vs %+v", a, b)
	}
}

func TestAnalyzeInvokesHooksAndStore(t *testing.T) {
	store := NewMemoryStore()
	hooked := make(chan *RiskDecision, 1)

	engine := NewEngine(DefaultParams()).
		WithStore(store).
		WithHook(func(d *RiskDecision, tx *Transaction) {
			hooked <- d
		})

	tx := histTx("txn_1", "merchant_a", 50, baseTime)
	dec, err := engine.AnalyzeWindow(context.Background(), &tx, nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-hooked:
		if got.ID != dec.ID {
			t.Errorf("hook saw decision %q, returned %q", got.ID, dec.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision hook never fired")
	}

	// Persistence is async; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		listed, _ := store.ListByAccount(context.Background(), "acct_1", 10)
		if len(listed) == 1 {
			if listed[0].TransactionID != "txn_1" {
				t.Errorf("stored wrong decision: %+v", listed[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("decision never recorded in store")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDecisionHasIDAndTimestamp(t *testing.T) {
	engine := NewEngine(DefaultParams())

	tx := histTx("txn_1", "merchant_a", 50, baseTime)
	dec, err := engine.AnalyzeWindow(context.Background(), &tx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ID == "" || dec.ID[:4] != "dec_" {
		t.Errorf("decision ID malformed: %q", dec.ID)
	}
	if dec.EvaluatedAt.IsZero() {
		t.Error("EvaluatedAt not set")
	}
}

// TestAnalyzeAccountLifecycle walks one account through a typical escalation
// arc: a first small payment to an unseen merchant, a second that establishes
// a baseline, then large deviations on either side of the deviation boundary.
func TestAnalyzeAccountLifecycle(t *testing.T) {
	engine := NewEngine(DefaultParams()).
		WithScorer(&fakeScorer{result: &ModelResult{Score: 0.2, Explanation: "routine payment"}})
	ctx := context.Background()

	// First payment: recipient unseen, $200 stays under the high-amount
	// threshold, so no rule fires.
	first := histTx("txn_l1", "merchant_m", 200, baseTime)
	dec, err := engine.AnalyzeWindow(ctx, &first, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Signals.KnownRecipient {
		t.Error("first payment: recipient should be unknown")
	}
	if dec.TriggeredRule != RuleNone || dec.Source != SourceModel {
		t.Errorf("first payment: rule %q source %q", dec.TriggeredRule, dec.Source)
	}

	// Second payment establishes a baseline. 250/200 is nowhere near the
	// deviation multiplier.
	window := HistoryWindow{first}
	second := histTx("txn_l2", "merchant_m", 250, baseTime.Add(time.Hour))
	dec, err = engine.AnalyzeWindow(ctx, &second, window)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Signals.KnownRecipient || !dec.Signals.HasBaseline {
		t.Errorf("second payment: signals %+v", dec.Signals)
	}
	if dec.Signals.AmountDeviationRatio != 1.25 {
		t.Errorf("second payment: ratio got %f, want 1.25", dec.Signals.AmountDeviationRatio)
	}
	if dec.TriggeredRule != RuleNone {
		t.Errorf("second payment: rule %q", dec.TriggeredRule)
	}

	// Typical amount is now the mean, $225. A $2000 payment is 8.89x typical,
	// just under the 9x multiplier, and must not escalate.
	window = HistoryWindow{first, second}
	third := histTx("txn_l3", "merchant_m", 2000, baseTime.Add(2*time.Hour))
	dec, err = engine.AnalyzeWindow(ctx, &third, window)
	if err != nil {
		t.Fatal(err)
	}
	if r := dec.Signals.AmountDeviationRatio; r < 8.88 || r > 8.9 {
		t.Errorf("third payment: ratio got %f, want ~8.889", r)
	}
	if dec.TriggeredRule != RuleNone {
		t.Errorf("third payment: rule %q fired below the multiplier", dec.TriggeredRule)
	}
	if dec.Score != 0.2 {
		t.Errorf("third payment: score got %f, want model's 0.2", dec.Score)
	}

	// $2025 is exactly 9x typical. The boundary is inclusive, so the
	// deviation rule fires and floors the score.
	fourth := histTx("txn_l4", "merchant_m", 2025, baseTime.Add(3*time.Hour))
	dec, err = engine.AnalyzeWindow(ctx, &fourth, window)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Signals.AmountDeviationRatio != 9.0 {
		t.Errorf("fourth payment: ratio got %f, want exactly 9", dec.Signals.AmountDeviationRatio)
	}
	if dec.TriggeredRule != RuleAmountDeviation {
		t.Errorf("fourth payment: rule got %q, want %q", dec.TriggeredRule, RuleAmountDeviation)
	}
	if dec.Score != 0.8 || dec.Source != SourceModelWithRuleFloor {
		t.Errorf("fourth payment: score %f source %q", dec.Score, dec.Source)
	}
}
