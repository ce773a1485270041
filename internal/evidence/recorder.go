package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"call-evidence/internal/audit"
	"call-evidence/pkg/logger"
)

// ActionExported is the audit action written for every delivered export.
const ActionExported = "evidence.exported"

const defaultBookkeepingTimeout = 5 * time.Second

// RecordRepository persists export summaries.
type RecordRepository interface {
	Insert(ctx context.Context, rec ExportRecord) error
}

// AuditSink accepts audit events (audit.Service satisfies it).
type AuditSink interface {
	Append(ctx context.Context, e audit.Event) error
}

// Recorder writes the export summary and the audit event. Both writes are
// best-effort: they run concurrently, detached from the request's cancellation
// and bounded by their own timeout, and their failures are only logged.
type Recorder struct {
	records RecordRepository
	audit   AuditSink
	timeout time.Duration
	metrics *Metrics
	newID   func() string

	// pending tracks writes started by Go.
	pending sync.WaitGroup
}

func NewRecorder(records RecordRepository, sink AuditSink, timeout time.Duration, metrics *Metrics) *Recorder {
	if timeout <= 0 {
		timeout = defaultBookkeepingTimeout
	}
	return &Recorder{
		records: records,
		audit:   sink,
		timeout: timeout,
		metrics: metrics,
		newID:   uuid.NewString,
	}
}

// Go records the export in the background and returns immediately. The
// request context only contributes its values (logger, request id).
func (r *Recorder) Go(ctx context.Context, b *Bundle, organizationID string, f Format) {
	rec := r.summaryOf(b, organizationID, f)
	ctx = context.WithoutCancel(ctx)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		_ = r.write(ctx, rec)
	}()
}

// Wait blocks until every write started by Go has finished, or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record writes synchronously and returns the joined write errors.
func (r *Recorder) Record(ctx context.Context, b *Bundle, organizationID string, f Format) error {
	return r.write(ctx, r.summaryOf(b, organizationID, f))
}

func (r *Recorder) summaryOf(b *Bundle, organizationID string, f Format) ExportRecord {
	return ExportRecord{
		ID:             r.newID(),
		BundleID:       b.BundleID,
		CallID:         b.Call.ID,
		OrganizationID: organizationID,
		BundleHash:     b.BundleHash,
		Format:         f,
		Counts:         b.Counts,
		ExportedBy:     b.ExportedBy,
		ExportedAt:     b.ExportedAt,
	}
}

func (r *Recorder) write(ctx context.Context, rec ExportRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var (
		wg                   sync.WaitGroup
		summaryErr, auditErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		summaryErr = guard("summary", func() error { return r.writeSummary(ctx, rec) })
	}()
	go func() {
		defer wg.Done()
		auditErr = guard("audit", func() error { return r.writeAudit(ctx, rec) })
	}()
	wg.Wait()

	log := logger.From(ctx)
	if summaryErr != nil {
		r.metrics.IncrementBookkeepingFailures("summary")
		log.Warn("export summary write failed", "bundle_id", rec.BundleID, "call_id", rec.CallID, "err", summaryErr)
	}
	if auditErr != nil {
		r.metrics.IncrementBookkeepingFailures("audit")
		log.Warn("export audit write failed", "bundle_id", rec.BundleID, "call_id", rec.CallID, "err", auditErr)
	}
	return errors.Join(summaryErr, auditErr)
}

func (r *Recorder) writeSummary(ctx context.Context, rec ExportRecord) error {
	if r.records == nil {
		return errors.New("export record repository not configured")
	}
	return r.records.Insert(ctx, rec)
}

func (r *Recorder) writeAudit(ctx context.Context, rec ExportRecord) error {
	if r.audit == nil {
		return errors.New("audit sink not configured")
	}
	metadata, err := json.Marshal(map[string]any{
		"bundle_id":   rec.BundleID,
		"bundle_hash": rec.BundleHash,
		"format":      rec.Format,
		"counts":      rec.Counts,
	})
	if err != nil {
		return err
	}
	return r.audit.Append(ctx, audit.Event{
		OrganizationID: rec.OrganizationID,
		UserID:         rec.ExportedBy,
		ActorType:      audit.ActorHuman,
		ResourceType:   audit.ResourceCall,
		ResourceID:     rec.CallID,
		Action:         ActionExported,
		Metadata:       metadata,
		CreatedAt:      rec.ExportedAt,
	})
}

// guard turns a panic in a bookkeeping write into an error.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s write panicked: %v", name, p)
		}
	}()
	return fn()
}
