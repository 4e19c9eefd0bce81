package risk

import "fmt"

// escalationRule is one entry of the deterministic escalation table.
// Rules are data, not control flow: adding a rule means appending an entry,
// the merge logic never changes.
type escalationRule struct {
	id        RuleID
	applies   func(tx *Transaction, sig PatternSignals, p Params) bool
	rationale func(tx *Transaction, sig PatternSignals, p Params) string
}

// escalationTable is evaluated in order; the first rule that applies wins.
// The two built-in rules are mutually exclusive on KnownRecipient, but the
// ordering still defines precedence should that invariant ever be relaxed.
var escalationTable = []escalationRule{
	{
		id: RuleNewRecipientHighAmount,
		applies: func(tx *Transaction, sig PatternSignals, p Params) bool {
			return !sig.KnownRecipient && tx.Amount > p.NewRecipientThreshold
		},
		rationale: func(tx *Transaction, _ PatternSignals, p Params) string {
			return fmt.Sprintf("New recipient and amount $%.2f exceeds $%.2f; escalated.",
				tx.Amount, p.NewRecipientThreshold)
		},
	},
	{
		id: RuleAmountDeviation,
		applies: func(_ *Transaction, sig PatternSignals, p Params) bool {
			return sig.KnownRecipient && sig.HasBaseline &&
				sig.AmountDeviationRatio >= p.DeviationMultiplier
		},
		rationale: func(tx *Transaction, sig PatternSignals, _ Params) string {
			return fmt.Sprintf("Amount $%.2f is %.1fx higher than typical $%.2f; escalated.",
				tx.Amount, sig.AmountDeviationRatio, sig.TypicalAmount)
		},
	},
}

// EvaluateRules runs the escalation table against one transaction.
// At most one RuleOutcome is produced; when nothing triggers the outcome
// carries RuleNone and imposes no floor. The model never sees or overrides
// this verdict; the merge step applies the floor after the model call.
func EvaluateRules(tx *Transaction, sig PatternSignals, p Params) RuleOutcome {
	for _, r := range escalationTable {
		if r.applies(tx, sig, p) {
			return RuleOutcome{
				Triggered: r.id,
				MinScore:  p.EscalationFloor,
				Rationale: r.rationale(tx, sig, p),
			}
		}
	}
	return RuleOutcome{}
}
