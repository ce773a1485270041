package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	CustodyActive   = "active"
	CustodyArchived = "archived"
)

const ReasonLegalHold = "call is under legal hold"

// ErrPolicySchemaMissing is returned when the compliance columns are not
// deployed. The gate treats it like any other failure and refuses the export.
var ErrPolicySchemaMissing = errors.New("compliance: policy schema missing")

// NOTE: PostgresPolicy assumes calls(id, organization_id, legal_hold_flag boolean,
// custody_status text NULL). A NULL custody_status is read as "active", the column default.
type PostgresPolicy struct {
	db *sql.DB
}

func NewPostgresPolicy(db *sql.DB) *PostgresPolicy {
	return &PostgresPolicy{db: db}
}

func (p *PostgresPolicy) Check(ctx context.Context, s Subject) (Decision, error) {
	const q = `
SELECT COALESCE(legal_hold_flag, false), COALESCE(custody_status, 'active')
FROM calls
WHERE id = $1 AND organization_id = $2
`
	var (
		hold    bool
		custody string
	)
	if err := p.db.QueryRowContext(ctx, q, s.CallID, s.OrganizationID).Scan(&hold, &custody); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing to protect; the export itself reports the call as not found.
			return Decision{Allowed: true, Reasons: []string{}}, nil
		}
		return Decision{}, fmt.Errorf("compliance.postgres.Check: %w", classify(err))
	}
	return Evaluate(hold, custody), nil
}

// Evaluate applies the hold/custody rules to raw column values.
func Evaluate(legalHold bool, custodyStatus string) Decision {
	d := Decision{
		Allowed:       true,
		Reasons:       []string{},
		CustodyStatus: custodyStatus,
		LegalHold:     legalHold,
	}
	if legalHold {
		d.Allowed = false
		d.Reasons = append(d.Reasons, ReasonLegalHold)
	}
	if custodyStatus != CustodyActive && custodyStatus != CustodyArchived {
		d.Allowed = false
		d.Reasons = append(d.Reasons, fmt.Sprintf("custody status %q does not permit export", custodyStatus))
	}
	return d
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return fmt.Errorf("%w: %s", ErrPolicySchemaMissing, pgErr.Message)
		}
	}
	return err
}
