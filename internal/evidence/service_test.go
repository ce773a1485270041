package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-evidence/internal/calls"
	"call-evidence/internal/compliance"
)

func TestExport_CallWithoutRecording(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	c := testCall()
	c.Status = calls.CallStatusNoAnswer
	c.StartedAt = nil
	c.EndedAt = nil
	s.AddCall(c)
	h := newHarness(s, allowAll(), nil)

	res, err := h.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Rendered.Body, &doc))
	assert.Equal(t, "null", string(doc["recording"]))
	for _, k := range []string{"transcripts", "translations", "scores", "evidence_manifests"} {
		assert.Equal(t, "[]", string(doc[k]), k)
	}

	var timeline []TimelineEvent
	require.NoError(t, json.Unmarshal(doc["timeline"], &timeline))
	assert.Equal(t, []string{EventCallCreated, EventBundleExported}, eventTypes(timeline))
	h.drain(t)
	assert.Len(t, h.records.all(), 1)
}

func TestExport_ArchiveRendersLatestTranscript(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.AddCall(testCall())
	s.AddRecording(testRecording())
	s.AddTranscriptVersion(transcriptV(2, "version two text", t0.Add(20*time.Minute)))
	s.AddTranscriptVersion(transcriptV(1, "version one text", t0.Add(10*time.Minute)))
	s.AddTranslation(Translation{ID: "tl-1", CallID: testCallID, FromLanguage: "en", ToLanguage: "es", ProducedAt: t0})
	h := newHarness(s, allowAll(), nil)

	res, err := h.exporter.Export(context.Background(), exportRequest(FormatZip))
	require.NoError(t, err)

	files, _ := readArchive(t, res.Rendered.Body)
	transcript := files[FileTranscript]
	assert.Contains(t, transcript, "version two text")
	assert.NotContains(t, transcript, "version one text")
	assert.Contains(t, transcript, "Version: 2 of 2")
	assert.Contains(t, files[FileReadme], ReadmeHashPrefix+res.Bundle.BundleHash)
}

func TestExport_LegalHoldShortCircuits(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	seedFull(s)
	policy := &countingPolicy{decision: compliance.Evaluate(true, compliance.CustodyActive)}
	h := newHarness(s, policy, nil)

	_, err := h.exporter.Export(context.Background(), exportRequest(FormatZip))

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.True(t, denied.Decision.LegalHold)
	assert.Equal(t, []string{compliance.ReasonLegalHold}, denied.Decision.Reasons)
	assert.Equal(t, 0, s.Reads())
	assert.Empty(t, h.records.all())
	assert.Empty(t, h.auditLog.Events())
}

func TestExport_GateUnavailableFailsClosed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	seedFull(s)
	h := newHarness(s, &countingPolicy{err: errors.New("relation calls has no column legal_hold_flag")}, nil)

	_, err := h.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.ErrorIs(t, err, compliance.ErrCheckUnavailable)
	assert.Equal(t, 0, s.Reads())
	assert.Empty(t, h.records.all())
}

func TestExport_InvalidInputSkipsGate(t *testing.T) {
	t.Parallel()

	policy := allowAll()
	h := newHarness(NewMemoryStore(), policy, nil)

	for _, req := range []Request{
		{CallID: strings.ToUpper(testCallID), OrganizationID: testOrg, ActorID: testActor, Format: FormatJSON},
		{CallID: "not-a-uuid", OrganizationID: testOrg, ActorID: testActor, Format: FormatJSON},
		{CallID: testCallID, ActorID: testActor, Format: FormatJSON},
		{CallID: testCallID, OrganizationID: testOrg, ActorID: testActor, Format: "pdf"},
	} {
		_, err := h.exporter.Export(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Equal(t, 0, policy.calls)
}

func TestExport_NotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(NewMemoryStore(), allowAll(), nil)
	_, err := h.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.records.all())
}

func TestExport_BookkeepingFailureDoesNotFailExport(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	seedFull(s)
	h := newHarness(s, allowAll(), nil)
	h.records.err = errors.New("disk full")
	h.auditLog.FailWith(errors.New("disk full"))

	res, err := h.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Bundle.BundleHash)
	h.drain(t)
	assert.Empty(t, h.records.all())
}

func TestExport_DoesNotWaitForBookkeeping(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	seedFull(s)
	h := newHarness(s, allowAll(), nil)
	h.records.hold = make(chan struct{})

	res, err := h.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Rendered.Body)
	assert.Empty(t, h.records.all(), "summary written before the insert was released")

	close(h.records.hold)
	h.drain(t)
	require.Len(t, h.records.all(), 1)
	assert.Equal(t, res.Bundle.BundleHash, h.records.all()[0].BundleHash)
	assert.Len(t, h.auditLog.Events(), 1)
}

func TestExport_Metrics(t *testing.T) {
	t.Parallel()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	s := NewMemoryStore()
	seedFull(s)
	s.Fail("ListProvenance", errors.New("gone"))
	ok := newHarness(s, allowAll(), metrics)
	_, err = ok.exporter.Export(context.Background(), exportRequest(FormatJSON))
	require.NoError(t, err)

	denied := newHarness(s, &countingPolicy{decision: compliance.Evaluate(false, "sealed")}, metrics)
	_, err = denied.exporter.Export(context.Background(), exportRequest(FormatZip))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Exports.WithLabelValues("json", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Exports.WithLabelValues("zip", OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Denials))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FetchFailures.WithLabelValues(SectionProvenance)))
}

func TestNewMetrics_DoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestValidCallID(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidCallID(testCallID))
	assert.False(t, ValidCallID(strings.ToUpper(testCallID)))
	assert.False(t, ValidCallID("{"+testCallID+"}"))
	assert.False(t, ValidCallID(strings.ReplaceAll(testCallID, "-", "")))
	assert.False(t, ValidCallID(testCallID+"\n"))
}
