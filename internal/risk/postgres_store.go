package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk decisions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed decision store.
// The schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, d *RiskDecision) error {
	signalsJSON, err := json.Marshal(d.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions
			(id, transaction_id, account_id, risk_score, rationale, source,
			 triggered_rule, signals, model_latency_ms, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		d.ID,
		d.TransactionID,
		d.AccountID,
		d.Score,
		d.Rationale,
		string(d.Source),
		string(d.TriggeredRule),
		signalsJSON,
		d.ModelLatency.Milliseconds(),
		d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record risk decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*RiskDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, risk_score, rationale, source,
		       triggered_rule, signals, evaluated_at
		FROM risk_decisions
		WHERE account_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*RiskDecision
	for rows.Next() {
		var d RiskDecision
		var source, rule string
		var signalsJSON []byte

		if err := rows.Scan(&d.ID, &d.TransactionID, &d.AccountID, &d.Score,
			&d.Rationale, &source, &rule, &signalsJSON, &d.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan risk decision: %w", err)
		}
		d.Source = Source(source)
		d.TriggeredRule = RuleID(rule)
		_ = json.Unmarshal(signalsJSON, &d.Signals)
		result = append(result, &d)
	}
	return result, rows.Err()
}
