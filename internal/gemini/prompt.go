package gemini

import (
	"fmt"
	"strings"

	"github.com/fraudguard/riskengine/internal/risk"
)

const systemInstruction = "You are a fraud risk analyst. Score the transaction's fraud risk from 0.0 (benign) to 1.0 (certain fraud) using only the features provided. Respond with a single JSON object: {\"risk_score\": <0.0-1.0>, \"rationale\": \"<one or two sentences>\"}. No other text."

// BuildPrompt compacts the transaction, account summary and derived signals
// into the context blob sent to the model. The summary is already bounded by
// the configured history limit, so prompt size is bounded too. No raw
// recipient identifiers are included, only aggregate familiarity features.
func BuildPrompt(tx *risk.Transaction, sum *risk.AccountSummary, sig risk.PatternSignals) string {
	var b strings.Builder

	b.WriteString("Transaction features:\n")
	fmt.Fprintf(&b, "- Amount: $%.2f\n", tx.Amount)
	if tx.Category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", tx.Category)
	}
	fmt.Fprintf(&b, "- Time: %s on %s (UTC)\n",
		tx.Timestamp.UTC().Format("15:04"), tx.Timestamp.UTC().Weekday())

	b.WriteString("\nAccount history (bounded window):\n")
	fmt.Fprintf(&b, "- Prior transactions in window: %d\n", sum.Count)
	fmt.Fprintf(&b, "- Distinct recipients: %d\n", len(sum.Recipients))
	if sum.Count > 0 {
		fmt.Fprintf(&b, "- Weekend share: %.0f%%\n",
			100*float64(sum.WeekendCount)/float64(sum.Count))
	}

	b.WriteString("\nDerived signals:\n")
	fmt.Fprintf(&b, "- Known recipient: %t\n", sig.KnownRecipient)
	if sig.HasBaseline {
		fmt.Fprintf(&b, "- Amount vs typical for this recipient: %.2fx ($%.2f typical)\n",
			sig.AmountDeviationRatio, sig.TypicalAmount)
	} else {
		b.WriteString("- No amount baseline for this recipient\n")
	}
	fmt.Fprintf(&b, "- Off-hours: %t\n", sig.OffHours)
	fmt.Fprintf(&b, "- Weekend: %t\n", sig.Weekend)
	fmt.Fprintf(&b, "- Velocity: %d tx in last 15m, %d in last 60m (flagged: %t)\n",
		sig.Velocity15m, sig.Velocity60m, sig.VelocityFlag)

	return b.String()
}
