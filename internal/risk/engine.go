package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/fraudguard/riskengine/internal/idgen"
	"github.com/fraudguard/riskengine/internal/metrics"
)

// DecisionHook observes a finalized decision. Hooks run on a detached
// goroutine after the decision is returned to the caller; they must not
// assume the request context is still alive.
type DecisionHook func(d *RiskDecision, tx *Transaction)

// Engine orchestrates one analysis: fetch window, summarize, derive signals,
// evaluate rules, invoke the model, merge. All derived state is request
// scoped; nothing is cached between calls, so concurrent analyses never
// share mutable state.
type Engine struct {
	params  Params
	history HistoryProvider
	scorer  Scorer
	store   Store
	hooks   []DecisionHook
	logger  *slog.Logger
}

// NewEngine creates an analysis engine with the given parameters.
// History provider, scorer, store and hooks are optional: a bare engine
// still produces decisions via rules and the heuristic fallback.
func NewEngine(p Params) *Engine {
	return &Engine{
		params: p,
		logger: slog.Default(),
	}
}

// WithHistory sets the history provider used by Analyze.
func (e *Engine) WithHistory(h HistoryProvider) *Engine {
	e.history = h
	return e
}

// WithScorer sets the external model invoker.
func (e *Engine) WithScorer(s Scorer) *Engine {
	e.scorer = s
	return e
}

// WithStore sets the decision audit store.
func (e *Engine) WithStore(s Store) *Engine {
	e.store = s
	return e
}

// WithHook registers a decision hook (vector upsert, live feed, ...).
func (e *Engine) WithHook(h DecisionHook) *Engine {
	e.hooks = append(e.hooks, h)
	return e
}

// WithLogger sets a custom logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Params returns the engine's configured parameters.
func (e *Engine) Params() Params { return e.params }

// Analyze fetches the account's history window and analyzes the transaction.
// A failing history provider degrades to an empty window; the analysis
// itself fails only for an invalid transaction.
func (e *Engine) Analyze(ctx context.Context, tx *Transaction) (*RiskDecision, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	var window HistoryWindow
	if e.history != nil {
		w, err := e.history.Window(ctx, tx.AccountID, e.params.HistoryLimit)
		if err != nil {
			metrics.HistoryFetchesTotal.WithLabelValues("error").Inc()
			e.logger.Warn("history provider unavailable, proceeding with empty window",
				"account_id", tx.AccountID,
				"error", err,
			)
		} else {
			metrics.HistoryFetchesTotal.WithLabelValues("ok").Inc()
			window = w
		}
	}

	return e.AnalyzeWindow(ctx, tx, window)
}

// AnalyzeWindow analyzes a transaction against a caller-supplied history
// window. The window is treated as a snapshot: two concurrent analyses for
// the same account each see only the window they were given.
func (e *Engine) AnalyzeWindow(ctx context.Context, tx *Transaction, window HistoryWindow) (*RiskDecision, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	sum := Summarize(window, tx, e.params.UTCOffsetMinutes)
	sig := DeriveSignals(tx, sum, e.params)
	rule := EvaluateRules(tx, sig, e.params)

	if rule.Triggered != RuleNone {
		metrics.RuleTriggersTotal.WithLabelValues(string(rule.Triggered)).Inc()
	}

	// The model call is the only blocking step. The scorer bounds it with
	// its own timeout and reports failure as an ErrKind, so a dead or slow
	// model can never block the decision.
	var mr *ModelResult
	if e.scorer != nil {
		mr = e.scorer.Score(ctx, tx, sum, sig)
	} else {
		mr = &ModelResult{ErrKind: ErrKindUnavailable}
	}

	dec := merge(tx, sig, rule, mr, e.params)
	dec.ID = idgen.WithPrefix("dec_")
	dec.EvaluatedAt = time.Now().UTC()

	metrics.AnalysesTotal.WithLabelValues(string(dec.Source)).Inc()
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	e.logger.Info("analysis completed",
		"transaction_id", tx.ID,
		"account_id", tx.AccountID,
		"risk_score", dec.Score,
		"source", string(dec.Source),
		"triggered_rule", string(dec.TriggeredRule),
		"model_error", string(mr.ErrKind),
	)

	e.finalize(dec, tx)
	return dec, nil
}

// finalize runs the detached side effects: audit record, hooks. None of
// them can delay or fail the response.
func (e *Engine) finalize(dec *RiskDecision, tx *Transaction) {
	if e.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.store.Record(ctx, dec); err != nil {
				e.logger.Warn("decision audit record failed",
					"decision_id", dec.ID,
					"error", err,
				)
			}
		}()
	}

	for _, h := range e.hooks {
		h := h
		go h(dec, tx)
	}
}
