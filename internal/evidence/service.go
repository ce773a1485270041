package evidence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"call-evidence/internal/compliance"
	"call-evidence/pkg/logger"
)

var callIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidCallID reports whether s is a lowercase canonical UUID.
func ValidCallID(s string) bool {
	return callIDPattern.MatchString(s)
}

// Gate is the compliance check consulted before any artifact read.
type Gate interface {
	Evaluate(ctx context.Context, s compliance.Subject) (compliance.Decision, error)
}

// Request is one export of one call by an authenticated actor.
type Request struct {
	CallID         string
	OrganizationID string
	ActorID        string
	Format         Format
}

// Result is a delivered export.
type Result struct {
	Bundle   *Bundle
	Rendered Rendered
}

// Exporter runs the pipeline: gate, aggregate, hash, timeline, render, record.
// It holds no per-request state.
type Exporter struct {
	gate       Gate
	aggregator *Aggregator
	recorder   *Recorder
	metrics    *Metrics

	clock func() time.Time
	newID func() string
}

func NewExporter(gate Gate, aggregator *Aggregator, recorder *Recorder, metrics *Metrics) *Exporter {
	return &Exporter{
		gate:       gate,
		aggregator: aggregator,
		recorder:   recorder,
		metrics:    metrics,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

func (e *Exporter) Export(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveExport(req.Format, outcomeOf(err), time.Since(start))
	}()

	if !ValidCallID(req.CallID) {
		return Result{}, fmt.Errorf("%w: call id must be a lowercase UUID", ErrInvalidInput)
	}
	if req.OrganizationID == "" || req.ActorID == "" {
		return Result{}, fmt.Errorf("%w: organization and actor are required", ErrInvalidInput)
	}
	if req.Format != FormatJSON && req.Format != FormatZip {
		return Result{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, req.Format)
	}

	log := logger.From(ctx).With("call_id", req.CallID, "organization_id", req.OrganizationID)

	decision, err := e.gate.Evaluate(ctx, compliance.Subject{
		CallID:         req.CallID,
		OrganizationID: req.OrganizationID,
		ActorID:        req.ActorID,
	})
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		log.Info("evidence export denied",
			"reasons", decision.Reasons,
			"custody_status", decision.CustodyStatus,
			"legal_hold", decision.LegalHold,
		)
		return Result{}, &DeniedError{Decision: decision}
	}

	b, err := e.aggregator.Aggregate(ctx, req.OrganizationID, req.CallID)
	if err != nil {
		return Result{}, err
	}

	b.BundleID = e.newID()
	b.ExportedAt = e.clock().UTC().Truncate(time.Microsecond)
	b.ExportedBy = req.ActorID

	hash, err := Hash(b)
	if err != nil {
		return Result{}, err
	}
	b.BundleHash = hash
	b.Timeline = BuildTimeline(b)

	rendered, err := Render(b, req.Format)
	if err != nil {
		return Result{}, err
	}

	if e.recorder != nil {
		e.recorder.Go(ctx, b, req.OrganizationID, req.Format)
	}

	log.Info("evidence exported",
		"bundle_id", b.BundleID,
		"bundle_hash", b.BundleHash,
		"format", req.Format,
		"omitted_sections", b.OmittedSections,
	)
	return Result{Bundle: b, Rendered: rendered}, nil
}

func outcomeOf(err error) string {
	var denied *DeniedError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &denied):
		return OutcomeDenied
	case errors.Is(err, compliance.ErrCheckUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidInput):
		return OutcomeInvalid
	case errors.Is(err, ErrRender):
		return OutcomeRenderError
	default:
		return OutcomeError
	}
}
