package compliance

import (
	"context"
	"errors"
	"fmt"
)

// Subject identifies what is being exported and by whom.
type Subject struct {
	CallID         string
	OrganizationID string
	ActorID        string
}

// Decision is the policy verdict. Reasons, CustodyStatus and LegalHold are
// user-facing and are returned to the caller verbatim on denial.
type Decision struct {
	Allowed       bool
	Reasons       []string
	CustodyStatus string
	LegalHold     bool
}

// Policy is the pluggable check behind the gate.
type Policy interface {
	Check(ctx context.Context, s Subject) (Decision, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, s Subject) (Decision, error)

func (f PolicyFunc) Check(ctx context.Context, s Subject) (Decision, error) { return f(ctx, s) }

// ErrCheckUnavailable means the policy could not be evaluated. The gate fails
// closed: callers must refuse the export.
var ErrCheckUnavailable = errors.New("compliance: check unavailable")

// ReasonDeniedByPolicy is used when a policy denies without saying why.
const ReasonDeniedByPolicy = "export denied by compliance policy"

// Gate must be consulted before any artifact of the subject is read.
type Gate struct {
	policy Policy
}

func NewGate(p Policy) *Gate {
	return &Gate{policy: p}
}

// Evaluate runs the policy. Any policy failure other than caller cancellation
// is reported as ErrCheckUnavailable; a nil error always comes with a usable Decision.
func (g *Gate) Evaluate(ctx context.Context, s Subject) (Decision, error) {
	if g == nil || g.policy == nil {
		return Decision{}, fmt.Errorf("%w: no policy configured", ErrCheckUnavailable)
	}
	d, err := g.policy.Check(ctx, s)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		return Decision{}, fmt.Errorf("%w: %w", ErrCheckUnavailable, err)
	}

	reasons := make([]string, len(d.Reasons))
	copy(reasons, d.Reasons)
	d.Reasons = reasons
	if !d.Allowed && len(d.Reasons) == 0 {
		d.Reasons = []string{ReasonDeniedByPolicy}
	}
	return d, nil
}
