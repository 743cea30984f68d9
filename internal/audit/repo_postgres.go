package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"compliance-recorder/pkg/utils"
)

// Schema creates the insert-only compliance_events table.
// UPDATE and DELETE are revoked from the application role out of band.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS compliance_events (
	id            UUID PRIMARY KEY,
	type          TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	call_id       TEXT NOT NULL DEFAULT '',
	recording_id  TEXT NOT NULL DEFAULT '',
	actor_user_id TEXT NOT NULL DEFAULT '',
	actor_role    TEXT NOT NULL DEFAULT '',
	ip_address    TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	details       JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS compliance_events_created_at_idx ON compliance_events (created_at)`,
	`CREATE INDEX IF NOT EXISTS compliance_events_call_id_idx ON compliance_events (call_id)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, Schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO compliance_events (
	id, type, tenant_id, call_id, recording_id,
	actor_user_id, actor_role, ip_address, message, details, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.TenantID,
		e.CallID,
		e.RecordingID,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Message,
		string(details),
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListDay(ctx context.Context, day time.Time) ([]Event, error) {
	const q = `
SELECT id, type, tenant_id, call_id, recording_id,
	actor_user_id, actor_role, ip_address, message, details, created_at
FROM compliance_events
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at
`
	start, end := dayBounds(day)
	rows, err := r.db.QueryContext(ctx, q, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var details []byte
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.TenantID,
			&e.CallID,
			&e.RecordingID,
			&e.ActorUserID,
			&e.ActorRole,
			&e.IPAddress,
			&e.Message,
			&details,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
