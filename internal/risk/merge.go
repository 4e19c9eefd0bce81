package risk

import "strings"

// merge resolves rule-engine output and model output into the final decision.
// Precedence, evaluated in order:
//
//  1. rule triggered, model succeeded  -> max(model score, floor), both rationales
//  2. rule triggered, model failed     -> floor, rule rationale only
//  3. no rule, model succeeded         -> model score and explanation
//  4. no rule, model failed            -> deterministic heuristic from signals
//
// The score is always clamped to [0,1] and the rationale never introduces
// data beyond what the originating transaction already carries.
func merge(tx *Transaction, sig PatternSignals, rule RuleOutcome, mr *ModelResult, p Params) *RiskDecision {
	d := &RiskDecision{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		TriggeredRule: rule.Triggered,
		Signals:       sig,
	}
	if mr != nil {
		d.ModelLatency = mr.Latency
	}

	ruleFired := rule.Triggered != RuleNone

	switch {
	case ruleFired && mr.OK():
		d.Score = mr.Score
		if rule.MinScore > d.Score {
			d.Score = rule.MinScore
		}
		d.Rationale = joinRationale(mr.Explanation, rule.Rationale)
		d.Source = SourceModelWithRuleFloor

	case ruleFired:
		d.Score = rule.MinScore
		d.Rationale = rule.Rationale
		d.Source = SourceRuleFastpath

	case mr.OK():
		d.Score = mr.Score
		d.Rationale = mr.Explanation
		d.Source = SourceModel

	default:
		d.Score, d.Rationale = heuristic(sig, p)
		d.Source = SourceHeuristicFallback
	}

	d.Score = clamp01(d.Score)
	return d
}

// heuristic produces a deterministic score from signals alone so the
// pipeline never returns an undefined decision when both the rules and the
// model are silent. Increments are intentionally coarse; anything subtle is
// the model's job.
func heuristic(sig PatternSignals, p Params) (float64, string) {
	score := p.HeuristicBase
	factors := []string{"model unavailable, heuristic assessment"}

	if sig.VelocityFlag {
		score += 0.25
		factors = append(factors, "elevated transaction velocity")
	}
	if sig.OffHours {
		score += 0.15
		factors = append(factors, "off-hours transaction")
	}
	if sig.Weekend {
		score += 0.05
		factors = append(factors, "weekend transaction")
	}
	if !sig.KnownRecipient {
		score += 0.1
		factors = append(factors, "recipient not seen before")
	}

	return clamp01(score), strings.Join(factors, "; ") + "."
}

func joinRationale(parts ...string) string {
	var kept []string
	for _, s := range parts {
		if s != "" {
			kept = append(kept, strings.TrimSpace(s))
		}
	}
	return strings.Join(kept, " ")
}
