package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// NOTE: PostgresRepo assumes:
//
//	audit_logs(id uuid, organization_id uuid, user_id uuid NULL, actor_type text,
//	           resource_type text, resource_id text, action text, metadata jsonb NULL,
//	           created_at timestamptz)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_logs (
  id, organization_id, user_id, actor_type, resource_type, resource_id, action, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OrganizationID,
		nullString(e.UserID),
		string(e.ActorType),
		e.ResourceType,
		e.ResourceID,
		e.Action,
		metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("audit.postgres.Append: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
