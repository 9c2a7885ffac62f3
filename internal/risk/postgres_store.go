package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the assessments table if it doesn't exist. The schema
// mirrors migrations/001_create_assessments.sql for deployments that don't
// run the migrate command.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assessments (
			tx_hash       VARCHAR(66) NOT NULL,
			from_addr     VARCHAR(42) NOT NULL,
			rule_score    NUMERIC(5,2) NOT NULL CHECK (rule_score >= 0 AND rule_score <= 100),
			external_prob NUMERIC(5,2) CHECK (external_prob >= 0 AND external_prob <= 100),
			is_fraud      BOOLEAN NOT NULL DEFAULT FALSE,
			flags         JSONB NOT NULL DEFAULT '[]',
			evaluated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tx_hash, evaluated_at)
		);

		CREATE INDEX IF NOT EXISTS idx_assessments_from_addr
			ON assessments (from_addr, evaluated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, res *Result) error {
	flagsJSON, err := json.Marshal(res.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	from := ""
	if res.Record != nil {
		from = res.Record.From
	}

	var prob sql.NullFloat64
	if res.ExternalProbability != nil {
		prob = sql.NullFloat64{Float64: *res.ExternalProbability, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (tx_hash, from_addr, rule_score, external_prob, is_fraud, flags, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		res.Hash,
		from,
		res.RuleScore,
		prob,
		res.IsFraudVerdict,
		flagsJSON,
		res.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAddress(ctx context.Context, from string, limit int) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, rule_score, external_prob, is_fraud, flags, evaluated_at
		FROM assessments
		WHERE from_addr = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Result
	for rows.Next() {
		var (
			res         Result
			prob        sql.NullFloat64
			flagsJSON   []byte
			evaluatedAt time.Time
		)
		if err := rows.Scan(&res.Hash, &res.RuleScore, &prob, &res.IsFraudVerdict, &flagsJSON, &evaluatedAt); err != nil {
			continue
		}
		if prob.Valid {
			p := prob.Float64
			res.ExternalProbability = &p
		}
		res.EvaluatedAt = evaluatedAt
		_ = json.Unmarshal(flagsJSON, &res.Flags)
		result = append(result, &res)
	}
	return result, rows.Err()
}
