// Package risk implements transaction risk-signal derivation and the
// escalation decision engine for the FraudGuard pipeline.
//
// For every incoming transaction the engine reduces a bounded window of the
// account's prior transactions into per-recipient and per-account aggregates,
// derives behavioral signals (recipient familiarity, amount deviation, timing,
// velocity), runs a deterministic escalation rule table, invokes the external
// scoring model under a time budget, and merges rule and model output into a
// single RiskDecision with a human-readable rationale. The engine always
// produces a decision: model failures degrade to the rule floor or a
// deterministic heuristic, never to an error.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransaction is returned when a transaction is rejected before any
// derivation runs (missing fields, negative amount, zero timestamp). It is the
// only error Analyze surfaces to the caller.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is a single payment event as received from the upstream
// monitor. Immutable once inside the engine.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Amount       float64   `json:"amount"`
	RecipientKey string    `json:"recipientKey"`
	Timestamp    time.Time `json:"timestamp"`
	Category     string    `json:"category,omitempty"`
}

// Validate rejects transactions that must not enter the derivation pipeline.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	case t.AccountID == "":
		return fmt.Errorf("%w: missing account id", ErrInvalidTransaction)
	case t.RecipientKey == "":
		return fmt.Errorf("%w: missing recipient key", ErrInvalidTransaction)
	case t.Amount < 0:
		return fmt.Errorf("%w: negative amount %.2f", ErrInvalidTransaction, t.Amount)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	}
	return nil
}

// HistoryWindow is a bounded set of prior transactions for one account,
// supplied fresh per analysis call. Order does not matter; the summarizer
// sorts internally.
type HistoryWindow []Transaction

// RecipientProfile aggregates an account's past transactions to one
// recipient key. Recomputed every call, never persisted.
type RecipientProfile struct {
	OccurrenceCount int
	TypicalAmount   float64 // arithmetic mean of past amounts
	LastSeen        time.Time
}

// AccountSummary is the per-request aggregate over the whole window.
// Only transactions at or before the analyzed transaction's timestamp are
// included, and never the analyzed transaction itself.
type AccountSummary struct {
	AccountID    string
	Count        int
	HourCounts   [24]int
	WeekdayCount int
	WeekendCount int
	Recipients   map[string]*RecipientProfile
	Timestamps   []time.Time // newest first, used for velocity counting
}

// PatternSignals are the derived per-transaction behavioral signals.
// Computed once, immutable for the rest of the request.
type PatternSignals struct {
	KnownRecipient bool `json:"knownRecipient"`
	// HasBaseline reports whether a typical amount exists for the recipient.
	// When false the deviation ratio is meaningless (new recipient; no
	// division by zero ever happens).
	HasBaseline          bool    `json:"hasBaseline"`
	TypicalAmount        float64 `json:"typicalAmount,omitempty"`
	AmountDeviationRatio float64 `json:"amountDeviationRatio,omitempty"`
	OffHours             bool    `json:"offHours"`
	Weekend              bool    `json:"weekend"`
	// Velocity counts exclude the analyzed transaction. If the history
	// window was truncated at the configured limit these are lower bounds,
	// not exact counts.
	Velocity15m  int  `json:"velocity15m"`
	Velocity60m  int  `json:"velocity60m"`
	VelocityFlag bool `json:"velocityFlag"`
}

// RuleID identifies an escalation rule.
type RuleID string

const (
	RuleNone                   RuleID = ""
	RuleNewRecipientHighAmount RuleID = "new_recipient_high_amount"
	RuleAmountDeviation        RuleID = "amount_deviation"
)

// RuleOutcome is the rule engine's verdict. At most one rule fires per
// request.
type RuleOutcome struct {
	Triggered RuleID
	MinScore  float64 // forced floor, meaningful only when Triggered != RuleNone
	Rationale string
}

// ErrorKind classifies external model failures.
type ErrorKind string

const (
	ErrKindNone            ErrorKind = ""
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindUnavailable     ErrorKind = "unavailable"
	ErrKindInvalidResponse ErrorKind = "invalid_response"
)

// ModelResult is the normalized outcome of one model invocation.
// A failed call carries an ErrKind and no usable score.
type ModelResult struct {
	Score       float64
	Explanation string
	Latency     time.Duration
	ErrKind     ErrorKind
}

// OK reports whether the result carries a usable score.
func (r *ModelResult) OK() bool {
	return r != nil && r.ErrKind == ErrKindNone
}

// Source identifies which path produced the final score.
type Source string

const (
	SourceRuleFastpath       Source = "rule_fastpath"
	SourceModel              Source = "model"
	SourceModelWithRuleFloor Source = "model_with_rule_floor"
	SourceHeuristicFallback  Source = "heuristic_fallback"
)

// RiskDecision is the sole output of the engine. Ownership passes to the
// caller; the engine keeps nothing between requests.
type RiskDecision struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	AccountID     string         `json:"accountId"`
	Score         float64        `json:"riskScore"`
	Rationale     string         `json:"rationale"`
	Source        Source         `json:"source"`
	TriggeredRule RuleID         `json:"triggeredRule,omitempty"`
	Signals       PatternSignals `json:"signals"`
	ModelLatency  time.Duration  `json:"-"`
	EvaluatedAt   time.Time      `json:"evaluatedAt"`
}

// Store persists decisions for the audit trail.
type Store interface {
	Record(ctx context.Context, d *RiskDecision) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*RiskDecision, error)
}

// HistoryProvider fetches a bounded, ordered transaction window for an
// account. Failures degrade to an empty window, never to a failed analysis.
type HistoryProvider interface {
	Window(ctx context.Context, accountID string, limit int) (HistoryWindow, error)
}

// Scorer invokes the external generative model. Implementations bound the
// call with their own timeout and report failures as ModelResult.ErrKind
// rather than returning errors.
type Scorer interface {
	Score(ctx context.Context, tx *Transaction, sum *AccountSummary, sig PatternSignals) *ModelResult
}

// Params holds every tunable of the derivation and escalation pipeline.
// Values are configuration, not hard-coded constants.
type Params struct {
	HistoryLimit          int
	NewRecipientThreshold float64 // Rule A amount threshold
	EscalationFloor       float64 // forced minimum score when a rule fires
	DeviationMultiplier   float64 // Rule B trigger ratio
	Velocity15mThreshold  int     // strict greater-than
	Velocity60mThreshold  int     // strict greater-than
	OffHoursStart         int     // hour 0-23, range may wrap midnight
	OffHoursEnd           int     // exclusive
	UTCOffsetMinutes      int     // local-clock shift for hour/weekday signals
	HeuristicBase         float64 // fallback base score when model and rules are silent
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		HistoryLimit:          50,
		NewRecipientThreshold: 999,
		EscalationFloor:       0.8,
		DeviationMultiplier:   9,
		Velocity15mThreshold:  3,
		Velocity60mThreshold:  6,
		OffHoursStart:         23,
		OffHoursEnd:           6,
		HeuristicBase:         0.3,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
