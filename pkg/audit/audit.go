package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends the settlement audit trail. Every state-changing engine
// operation gets one row so payouts can be reconciled against the pool
// after the fact.
type Writer struct {
	DB auditDB
}

// Entry is one audit row. Detail carries the operation-specific payload
// (claim result, oracle reading, tier change) as raw JSON.
type Entry struct {
	EventID   string
	PolicyID  uint64
	Actor     string
	Action    string
	Code      string
	Payout    uint64
	Detail    json.RawMessage
	CreatedAt time.Time
}

// EnsureSchema creates the audit table on startup. Kept idempotent so
// replicas can race it.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_audit (
			event_id   TEXT PRIMARY KEY,
			policy_id  BIGINT NOT NULL,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			code       TEXT NOT NULL,
			payout     BIGINT NOT NULL DEFAULT 0,
			detail     JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS settlement_audit_policy_idx ON settlement_audit (policy_id, created_at);
	`)
	return err
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO settlement_audit
		(event_id, policy_id, actor, action, code, payout, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.EventID, e.PolicyID, e.Actor, e.Action, e.Code, e.Payout, e.Detail, e.CreatedAt)
	return err
}

// ListByPolicy returns the trail for one policy, oldest first.
func (w *Writer) ListByPolicy(ctx context.Context, policyID uint64) ([]Entry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, policy_id, actor, action, code, payout, detail, created_at
		FROM settlement_audit WHERE policy_id=$1 ORDER BY created_at ASC
	`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var detail json.RawMessage
		if err := rows.Scan(&e.EventID, &e.PolicyID, &e.Actor, &e.Action, &e.Code, &e.Payout, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail
		out = append(out, e)
	}
	return out, rows.Err()
}
