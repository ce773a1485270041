package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-evidence/internal/auth"
	"call-evidence/internal/calls"
	"call-evidence/internal/compliance"
	"call-evidence/internal/evidence"
	"call-evidence/pkg/logger"
)

const (
	org    = "org-1"
	user   = "user-1"
	callID = "3f2a9c1e-8b7d-4e21-9a3c-0d5e6f7a8b9c"
)

func seededStore() *evidence.MemoryStore {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sid := "CA0001"
	s := evidence.NewMemoryStore()
	s.AddCall(calls.Call{
		ID: callID, OrganizationID: org, Status: calls.CallStatusCompleted,
		ExternalCallID: &sid, CreatedBy: user, CreatedAt: t0,
	})
	s.AddRecording(calls.Recording{ID: "rec-1", OrganizationID: org, ExternalCallID: sid, CreatedAt: t0.Add(time.Minute)})
	s.AddTranscriptVersion(evidence.TranscriptVersion{ID: "tr-1", RecordingID: "rec-1", Version: 1, Text: "hello", ProducedBy: "model", ProducedAt: t0})
	return s
}

func policyOf(d compliance.Decision, err error) compliance.Policy {
	return compliance.PolicyFunc(func(context.Context, compliance.Subject) (compliance.Decision, error) {
		return d, err
	})
}

func allow() compliance.Policy {
	return policyOf(compliance.Decision{Allowed: true, CustodyStatus: compliance.CustodyActive}, nil)
}

func newRouter(h Handlers, withIdentity bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(logger.Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	if withIdentity {
		r.Use(func(c *gin.Context) {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), user, org, "viewer"))
			c.Next()
		})
	}
	r.GET("/v1/calls/:call_id/export", h.ExportCall)
	return r
}

func pipeline(store evidence.ArtifactStore, p compliance.Policy) *evidence.Exporter {
	return evidence.NewExporter(compliance.NewGate(p), evidence.NewAggregator(store, 4, nil), nil, nil)
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(logger.HeaderRequestID, "rid-42")
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestExportCall_JSON(t *testing.T) {
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow())}, true)

	w := get(r, "/v1/calls/"+callID+"/export")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), `attachment; filename="evidence-`+callID+"-"))

	body := decode(t, w)
	assert.Equal(t, body["bundle_hash"], w.Header().Get(HeaderBundleHash))
	assert.Equal(t, evidence.BundleVersion, w.Header().Get(HeaderBundleVersion))
	assert.Equal(t, user, body["exported_by"])
}

func TestExportCall_Zip(t *testing.T) {
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow())}, true)

	w := get(r, "/v1/calls/"+callID+"/export?format=zip")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	assert.Len(t, zr.File, 5)
}

func TestExportCall_RejectsBadInput(t *testing.T) {
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow())}, true)

	cases := map[string]string{
		"/v1/calls/" + strings.ToUpper(callID) + "/export": "invalid_call_id",
		"/v1/calls/12345/export":                          "invalid_call_id",
		"/v1/calls/" + callID + "/export?format=pdf":      "invalid_format",
	}
	for path, code := range cases {
		w := get(r, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		body := decode(t, w)
		assert.Equal(t, code, body["error"], path)
		assert.Equal(t, "rid-42", body["correlation_id"], path)
	}
}

func TestExportCall_RequiresIdentity(t *testing.T) {
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow())}, false)
	w := get(r, "/v1/calls/"+callID+"/export")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExportCall_LegalHoldIs403WithoutReads(t *testing.T) {
	store := seededStore()
	r := newRouter(Handlers{Exporter: pipeline(store, policyOf(compliance.Evaluate(true, compliance.CustodyActive), nil))}, true)

	w := get(r, "/v1/calls/"+callID+"/export?format=zip")
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decode(t, w)
	assert.Equal(t, "compliance_denied", body["error"])
	assert.Equal(t, true, body["legal_hold_flag"])
	assert.Equal(t, compliance.CustodyActive, body["custody_status"])
	assert.Equal(t, []any{compliance.ReasonLegalHold}, body["reasons"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, 0, store.Reads())
}

func TestExportCall_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		policy compliance.Policy
		store  *evidence.MemoryStore
		status int
		code   string
	}{
		{"unknown call", allow(), evidence.NewMemoryStore(), http.StatusNotFound, "not_found"},
		{"gate down", policyOf(compliance.Decision{}, errors.New("dial tcp: refused")), seededStore(), http.StatusServiceUnavailable, "compliance_check_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(Handlers{Exporter: pipeline(tc.store, tc.policy)}, true)
			w := get(r, "/v1/calls/"+callID+"/export")
			require.Equal(t, tc.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tc.code, body["error"])
			assert.Equal(t, "rid-42", body["correlation_id"])
			assert.NotContains(t, w.Body.String(), "dial tcp")
		})
	}
}

type stubExporter struct {
	err error
}

func (s stubExporter) Export(context.Context, evidence.Request) (evidence.Result, error) {
	return evidence.Result{}, s.err
}

func TestExportCall_RenderAndInternalErrorsAreGeneric(t *testing.T) {
	for err, code := range map[error]string{
		evidence.ErrRender:                    "render_failed",
		errors.New("pq: secret table exploded"): "export_failed",
	} {
		r := newRouter(Handlers{Exporter: stubExporter{err: err}}, true)
		w := get(r, "/v1/calls/"+callID+"/export")
		require.Equal(t, http.StatusInternalServerError, w.Code)
		body := decode(t, w)
		assert.Equal(t, code, body["error"])
		assert.NotContains(t, w.Body.String(), "secret table")
	}
}

type fakeLimiter struct {
	mu       sync.Mutex
	allow    bool
	err      error
	acquired []string
	released []string
}

func (l *fakeLimiter) Acquire(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, id)
	return l.allow, l.err
}

func (l *fakeLimiter) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	return nil
}

func TestExportCall_LimiterRejects(t *testing.T) {
	store := seededStore()
	lim := &fakeLimiter{allow: false}
	r := newRouter(Handlers{Exporter: pipeline(store, allow()), Limiter: lim}, true)

	w := get(r, "/v1/calls/"+callID+"/export")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "export_concurrency_limit", decode(t, w)["error"])
	assert.Equal(t, 0, store.Reads())
	assert.Empty(t, lim.released)
}

func TestExportCall_LimiterSlotReleased(t *testing.T) {
	lim := &fakeLimiter{allow: true}
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow()), Limiter: lim}, true)

	w := get(r, "/v1/calls/"+callID+"/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{org}, lim.acquired)
	assert.Equal(t, []string{org}, lim.released)
}

func TestExportCall_LimiterErrorDoesNotBlock(t *testing.T) {
	lim := &fakeLimiter{err: errors.New("redis down")}
	r := newRouter(Handlers{Exporter: pipeline(seededStore(), allow()), Limiter: lim}, true)

	w := get(r, "/v1/calls/"+callID+"/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, lim.released)
}
