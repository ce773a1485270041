package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-evidence/internal/audit"
)

func recordedBundle() *Bundle {
	return &Bundle{
		BundleID:   "b-1",
		BundleHash: "sha256:abc",
		ExportedAt: t0,
		ExportedBy: testActor,
		Call:       testCall(),
		Counts:     ArtifactCounts{Recordings: 1, Transcripts: 2},
	}
}

func TestRecorder_WritesSummaryAndAudit(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{}
	auditRepo := audit.NewMemoryRepo()
	r := NewRecorder(records, audit.NewService(auditRepo), time.Second, nil)
	r.newID = func() string { return "rec-id" }

	require.NoError(t, r.Record(context.Background(), recordedBundle(), testOrg, FormatZip))

	recs := records.all()
	require.Len(t, recs, 1)
	assert.Equal(t, ExportRecord{
		ID:             "rec-id",
		BundleID:       "b-1",
		CallID:         testCallID,
		OrganizationID: testOrg,
		BundleHash:     "sha256:abc",
		Format:         FormatZip,
		Counts:         ArtifactCounts{Recordings: 1, Transcripts: 2},
		ExportedBy:     testActor,
		ExportedAt:     t0,
	}, recs[0])

	evs := auditRepo.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, ActionExported, evs[0].Action)
	assert.Equal(t, audit.ResourceCall, evs[0].ResourceType)
	assert.Equal(t, testCallID, evs[0].ResourceID)
	assert.Equal(t, testOrg, evs[0].OrganizationID)
	assert.Equal(t, testActor, evs[0].UserID)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Metadata, &meta))
	assert.Equal(t, "b-1", meta["bundle_id"])
	assert.Equal(t, "sha256:abc", meta["bundle_hash"])
	assert.Equal(t, "zip", meta["format"])
	assert.Contains(t, meta, "counts")
}

func TestRecorder_FailuresAreIndependent(t *testing.T) {
	t.Parallel()

	boom := errors.New("insert failed")
	records := &fakeRecords{err: boom}
	auditRepo := audit.NewMemoryRepo()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	r := NewRecorder(records, audit.NewService(auditRepo), time.Second, metrics)

	err = r.Record(context.Background(), recordedBundle(), testOrg, FormatJSON)
	require.ErrorIs(t, err, boom)
	assert.Len(t, auditRepo.Events(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BookkeepingFailures.WithLabelValues("summary")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BookkeepingFailures.WithLabelValues("audit")))
}

func TestRecorder_PanicIsContained(t *testing.T) {
	t.Parallel()

	auditRepo := audit.NewMemoryRepo()
	r := NewRecorder(&fakeRecords{panics: true}, audit.NewService(auditRepo), time.Second, nil)

	err := r.Record(context.Background(), recordedBundle(), testOrg, FormatJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Len(t, auditRepo.Events(), 1)
}

func TestRecorder_SurvivesCancelledRequest(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{}
	r := NewRecorder(records, audit.NewService(audit.NewMemoryRepo()), time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Record(ctx, recordedBundle(), testOrg, FormatJSON))

	assert.Len(t, records.all(), 1)
	records.mu.Lock()
	defer records.mu.Unlock()
	assert.NoError(t, records.ctxErr)
}

func TestRecorder_MissingDependencies(t *testing.T) {
	t.Parallel()

	err := NewRecorder(nil, nil, 0, nil).Record(context.Background(), recordedBundle(), testOrg, FormatJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestRecorder_GoWritesInBackground(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{hold: make(chan struct{})}
	auditRepo := audit.NewMemoryRepo()
	r := NewRecorder(records, audit.NewService(auditRepo), time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Go(ctx, recordedBundle(), testOrg, FormatJSON)
	cancel()

	short, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	require.ErrorIs(t, r.Wait(short), context.DeadlineExceeded)
	assert.Empty(t, records.all())

	close(records.hold)
	require.NoError(t, r.Wait(context.Background()))
	assert.Len(t, records.all(), 1)
	assert.Len(t, auditRepo.Events(), 1)
}
