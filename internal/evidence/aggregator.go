package evidence

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"call-evidence/internal/calls"
	"call-evidence/pkg/canonical"
	"call-evidence/pkg/logger"
)

const defaultFetchConcurrency = 6

// Aggregator assembles a Bundle from the ArtifactStore.
//
// Call and Recording are read first; the per-artifact lists are then fetched
// concurrently, bounded by the configured limit. Transcripts are essential and
// abort the export on failure; the other sections degrade to empty and are
// listed in OmittedSections.
type Aggregator struct {
	store       ArtifactStore
	concurrency int
	metrics     *Metrics
}

func NewAggregator(store ArtifactStore, concurrency int, metrics *Metrics) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Aggregator{store: store, concurrency: concurrency, metrics: metrics}
}

// Aggregate returns the artifact part of the bundle; the export envelope
// (id, hash, exporter, timeline) is left for the caller. It never returns a
// partial bundle when ctx is cancelled.
func (a *Aggregator) Aggregate(ctx context.Context, organizationID, callID string) (*Bundle, error) {
	call, err := a.store.GetCall(ctx, organizationID, callID)
	if err != nil {
		return nil, fmt.Errorf("aggregate call %s: %w", callID, err)
	}

	if !call.Status.Valid() {
		logger.From(ctx).Warn("call has unknown status", "call_id", callID, "status", call.Status)
	}

	b := &Bundle{
		BundleVersion: BundleVersion,
		Call:          call,
	}
	if call.ExternalCallID == nil || *call.ExternalCallID == "" {
		return a.finish(ctx, b)
	}

	rec, ok, err := a.store.FindRecording(ctx, organizationID, *call.ExternalCallID)
	if err != nil {
		return nil, fmt.Errorf("aggregate recording: %w", err)
	}
	if !ok {
		return a.finish(ctx, b)
	}
	b.Recording = &rec

	var (
		mu      sync.Mutex
		omitted []string
	)
	log := logger.From(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	// optional runs a non-essential fetch; a failure empties the section.
	optional := func(section string, fetch func(context.Context) error) {
		g.Go(func() error {
			err := fetch(gctx)
			if err == nil {
				return nil
			}
			if gctx.Err() != nil {
				return err
			}
			log.Warn("evidence section omitted", "section", section, "call_id", callID, "err", err)
			a.metrics.IncrementFetchFailures(section)
			mu.Lock()
			omitted = append(omitted, section)
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		ts, err := a.store.ListTranscriptVersions(gctx, rec.ID)
		if err != nil {
			return fmt.Errorf("aggregate transcripts: %w", err)
		}
		if len(ts) == 0 && hasLegacyTranscript(rec) {
			legacy, err := legacyTranscript(rec)
			if err != nil {
				return err
			}
			ts = []TranscriptVersion{legacy}
		}
		b.Transcripts = ts
		return nil
	})
	optional(SectionTranslations, func(ctx context.Context) (err error) {
		b.Translations, err = a.store.ListTranslations(ctx, call.ID)
		return err
	})
	optional(SectionScores, func(ctx context.Context) (err error) {
		b.Scores, err = a.store.ListScores(ctx, rec.ID)
		return err
	})
	optional(SectionManifests, func(ctx context.Context) (err error) {
		b.EvidenceManifests, err = a.store.ListEvidenceManifests(ctx, rec.ID)
		return err
	})
	optional(SectionAuditLogs, func(ctx context.Context) (err error) {
		b.AuditLogs, err = a.store.ListAuditLogs(ctx, organizationID, call.ID, rec.ID)
		return err
	})
	optional(SectionProvenance, func(ctx context.Context) (err error) {
		b.Provenance, err = a.store.ListProvenance(ctx, call.ID, rec.ID)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, section := range omitted {
		b.clearSection(section)
	}
	slices.Sort(omitted)
	b.OmittedSections = omitted
	return a.finish(ctx, b)
}

func (a *Aggregator) finish(ctx context.Context, b *Bundle) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortArtifacts(b)
	*b = b.withEmptySlices()
	b.Counts = countArtifacts(b)
	for _, issue := range transcriptVersionIssues(b.Transcripts) {
		logger.From(ctx).Warn("transcript version anomaly", "call_id", b.Call.ID, "issue", issue)
	}
	return b, nil
}

// transcriptVersionIssues reports duplicates and gaps in version-sorted
// transcripts. Versions are expected to run 1..n with a single latest.
func transcriptVersionIssues(ts []TranscriptVersion) []string {
	var (
		issues   []string
		versions []int
		gap      bool
	)
	next := 1
	for i, t := range ts {
		if i > 0 && t.Version == ts[i-1].Version {
			if i < 2 || ts[i-2].Version != t.Version {
				issues = append(issues, fmt.Sprintf("transcript version %d appears more than once", t.Version))
			}
			continue
		}
		if t.Version != next {
			gap = true
		}
		next = t.Version + 1
		versions = append(versions, t.Version)
	}
	if gap {
		issues = append(issues, fmt.Sprintf("transcript versions are not contiguous from 1: %v", versions))
	}
	return issues
}

func (b *Bundle) clearSection(section string) {
	switch section {
	case SectionTranslations:
		b.Translations = nil
	case SectionScores:
		b.Scores = nil
	case SectionManifests:
		b.EvidenceManifests = nil
	case SectionAuditLogs:
		b.AuditLogs = nil
	case SectionProvenance:
		b.Provenance = nil
	}
}

func countArtifacts(b *Bundle) ArtifactCounts {
	c := ArtifactCounts{
		Transcripts:       len(b.Transcripts),
		Translations:      len(b.Translations),
		Scores:            len(b.Scores),
		EvidenceManifests: len(b.EvidenceManifests),
		AuditLogs:         len(b.AuditLogs),
		Provenance:        len(b.Provenance),
	}
	if b.Recording != nil {
		c.Recordings = 1
	}
	return c
}

// sortArtifacts fixes the order of every list; the hash depends on it.
func sortArtifacts(b *Bundle) {
	slices.SortFunc(b.Transcripts, func(x, y TranscriptVersion) int {
		return cmp.Or(cmp.Compare(x.Version, y.Version), cmp.Compare(x.ID, y.ID))
	})
	slices.SortFunc(b.Translations, func(x, y Translation) int {
		return cmp.Or(x.ProducedAt.Compare(y.ProducedAt), cmp.Compare(x.ID, y.ID))
	})
	slices.SortFunc(b.Scores, func(x, y Score) int {
		return cmp.Or(x.CreatedAt.Compare(y.CreatedAt), cmp.Compare(x.ID, y.ID))
	})
	slices.SortFunc(b.EvidenceManifests, func(x, y EvidenceManifest) int {
		return cmp.Or(cmp.Compare(x.Version, y.Version), cmp.Compare(x.ID, y.ID))
	})
	slices.SortFunc(b.AuditLogs, func(x, y AuditLogEntry) int {
		return cmp.Or(x.CreatedAt.Compare(y.CreatedAt), cmp.Compare(x.ID, y.ID))
	})
	slices.SortFunc(b.Provenance, func(x, y ProvenanceRecord) int {
		return cmp.Or(
			x.ProducedAt.Compare(y.ProducedAt),
			cmp.Compare(x.ArtifactType, y.ArtifactType),
			cmp.Compare(x.ArtifactID, y.ArtifactID),
			cmp.Compare(x.ID, y.ID),
		)
	})
	for i := range b.Provenance {
		if b.Provenance[i].InputRefs == nil {
			b.Provenance[i].InputRefs = []ArtifactRef{}
		}
	}
}

func hasLegacyTranscript(rec calls.Recording) bool {
	raw := bytes.TrimSpace(rec.TranscriptJSON)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// LegacyTranscriptID names the synthesized transcript of a pre-versioning recording.
func LegacyTranscriptID(recordingID string) string {
	return "legacy-" + recordingID
}

// legacyTranscript synthesizes version 1 from the transcript embedded on the
// recording row. The content hash covers the canonical form of that JSON.
func legacyTranscript(rec calls.Recording) (TranscriptVersion, error) {
	doc, err := canonical.Decode(rec.TranscriptJSON)
	if err != nil {
		return TranscriptVersion{}, fmt.Errorf("legacy transcript of recording %s: %w", rec.ID, err)
	}
	canon, err := canonical.Encode(doc)
	if err != nil {
		return TranscriptVersion{}, fmt.Errorf("legacy transcript of recording %s: %w", rec.ID, err)
	}

	t := TranscriptVersion{
		ID:          LegacyTranscriptID(rec.ID),
		RecordingID: rec.ID,
		Version:     1,
		Text:        string(canon),
		ContentHash: canonical.SumHex(canon),
		ProducedBy:  ProducedByModel,
		ProducedAt:  rec.CreatedAt,
	}
	if fields, ok := doc.(map[string]any); ok {
		if text, ok := fields["text"].(string); ok {
			t.Text = text
		}
		if n, ok := fields["confidence"].(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				t.Confidence = &f
			}
		}
	}
	return t, nil
}
