package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"call-evidence/internal/audit"
	"call-evidence/internal/calls"
	"call-evidence/internal/compliance"
)

const (
	testOrg    = "org-1"
	testActor  = "user-1"
	testCallID = "3f2a9c1e-8b7d-4e21-9a3c-0d5e6f7a8b9c"
	testSID    = "CA0001"
	testRecID  = "rec-1"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func score(s string) *json.Number { return ptr(json.Number(s)) }

func testCall() calls.Call {
	return calls.Call{
		ID:             testCallID,
		OrganizationID: testOrg,
		Status:         calls.CallStatusCompleted,
		ExternalCallID: ptr(testSID),
		StartedAt:      ptr(t0.Add(time.Minute)),
		EndedAt:        ptr(t0.Add(6 * time.Minute)),
		CreatedBy:      testActor,
		CreatedAt:      t0,
	}
}

func testRecording() calls.Recording {
	return calls.Recording{
		ID:              testRecID,
		OrganizationID:  testOrg,
		ExternalCallID:  testSID,
		URL:             "s3://recordings/rec-1.wav",
		DurationSeconds: ptr(300),
		Status:          calls.RecordingStatusCompleted,
		Source:          "twilio",
		ContentHash:     ptr("ab12"),
		CreatedAt:       t0.Add(6 * time.Minute),
	}
}

func transcriptV(version int, text string, at time.Time) TranscriptVersion {
	return TranscriptVersion{
		ID:              fmt.Sprintf("tr-%d", version),
		RecordingID:     testRecID,
		Version:         version,
		Text:            text,
		Confidence:      ptr(0.9),
		ContentHash:     fmt.Sprintf("hash-%d", version),
		ProducedBy:      ProducedByModel,
		ProducedByModel: ptr("asr-large"),
		ProducedAt:      at,
	}
}

// seedFull stores a call with a recording and one artifact of every kind.
func seedFull(s *MemoryStore) {
	s.AddCall(testCall())
	s.AddRecording(testRecording())
	s.AddTranscriptVersion(transcriptV(1, "first draft", t0.Add(10*time.Minute)))
	s.AddTranscriptVersion(TranscriptVersion{
		ID: "tr-2", RecordingID: testRecID, Version: 2, Text: "corrected transcript",
		ContentHash: "hash-2", ProducedBy: ProducedByHuman, ProducedAt: t0.Add(20 * time.Minute),
	})
	s.AddTranslation(Translation{
		ID: "tl-1", CallID: testCallID, FromLanguage: "en", ToLanguage: "es",
		TranslatedText: "transcripcion", ProducedBy: "mt-v1", ProducedAt: t0.Add(15 * time.Minute),
	})
	s.AddScore(Score{
		ID: "sc-1", RecordingID: testRecID, ScorecardID: "card-1", TotalScore: ptr(json.Number("87.5")),
		ScoresJSON: json.RawMessage(`{"greeting":5,"closing":4}`), CreatedAt: t0.Add(30 * time.Minute),
	})
	s.AddEvidenceManifest(EvidenceManifest{
		ID: "mf-1", RecordingID: testRecID, Version: 1,
		Manifest:  json.RawMessage(`{"manifest_id":"mf-1","manifest_hash":"h","artifacts":[{"type":"recording","id":"rec-1"}]}`),
		CreatedAt: t0.Add(40 * time.Minute),
	})
	s.AddAuditLog(AuditLogEntry{
		ID: "al-1", Action: "recording.created", ResourceType: "recording", ResourceID: testRecID,
		ActorType: "system", CreatedAt: t0.Add(6 * time.Minute),
	})
	s.AddProvenance(ProvenanceRecord{
		ID: "pv-1", ArtifactType: ArtifactTranscript, ArtifactID: "tr-1", ProducedBy: "asr-large",
		ProducedAt: t0.Add(10 * time.Minute), InputRefs: []ArtifactRef{{Type: ArtifactRecording, ID: testRecID}},
	})
}

type fakeRecords struct {
	mu     sync.Mutex
	recs   []ExportRecord
	err    error
	panics bool
	ctxErr error
	// hold, when set, blocks Insert until it is closed.
	hold chan struct{}
}

func (f *fakeRecords) Insert(ctx context.Context, rec ExportRecord) error {
	if f.panics {
		panic("insert exploded")
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecords) all() []ExportRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExportRecord(nil), f.recs...)
}

type countingPolicy struct {
	mu       sync.Mutex
	calls    int
	decision compliance.Decision
	err      error
}

func (p *countingPolicy) Check(context.Context, compliance.Subject) (compliance.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.decision, p.err
}

func allowAll() *countingPolicy {
	return &countingPolicy{decision: compliance.Decision{Allowed: true, CustodyStatus: compliance.CustodyActive}}
}

type harness struct {
	store    *MemoryStore
	policy   *countingPolicy
	records  *fakeRecords
	auditLog *audit.MemoryRepo
	recorder *Recorder
	exporter *Exporter
}

func newHarness(store *MemoryStore, policy *countingPolicy, metrics *Metrics) *harness {
	h := &harness{
		store:    store,
		policy:   policy,
		records:  &fakeRecords{},
		auditLog: audit.NewMemoryRepo(),
	}
	h.recorder = NewRecorder(h.records, audit.NewService(h.auditLog), time.Second, metrics)
	h.exporter = NewExporter(compliance.NewGate(policy), NewAggregator(store, 4, metrics), h.recorder, metrics)

	var (
		mu sync.Mutex
		n  int
	)
	h.exporter.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
	}
	h.exporter.clock = func() time.Time { return t0.Add(2 * time.Hour) }
	return h
}

// drain waits for background bookkeeping started by the exporter.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.recorder.Wait(ctx))
}

func exportRequest(f Format) Request {
	return Request{CallID: testCallID, OrganizationID: testOrg, ActorID: testActor, Format: f}
}
