package evidence

import (
	"context"
	"sync"

	"call-evidence/internal/calls"
)

// MemoryStore is an in-memory ArtifactStore for tests and local runs.
// It counts every read so callers can assert that nothing was fetched.
type MemoryStore struct {
	mu sync.Mutex

	calls        map[string]calls.Call
	recordings   []calls.Recording
	transcripts  []TranscriptVersion
	translations []Translation
	scores       []Score
	manifests    []EvidenceManifest
	auditLogs    []AuditLogEntry
	provenance   []ProvenanceRecord

	failures map[string]error
	reads    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:    map[string]calls.Call{},
		failures: map[string]error{},
		reads:    map[string]int{},
	}
}

func (s *MemoryStore) AddCall(c calls.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.ID] = c
}

func (s *MemoryStore) AddRecording(r calls.Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = append(s.recordings, r)
}

func (s *MemoryStore) AddTranscriptVersion(t TranscriptVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, t)
}

func (s *MemoryStore) AddTranslation(t Translation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations = append(s.translations, t)
}

func (s *MemoryStore) AddScore(sc Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, sc)
}

func (s *MemoryStore) AddEvidenceManifest(m EvidenceManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, m)
}

func (s *MemoryStore) AddAuditLog(e AuditLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, e)
}

func (s *MemoryStore) AddProvenance(p ProvenanceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance = append(s.provenance, p)
}

// Fail makes the named method (e.g. "ListProvenance") return err.
func (s *MemoryStore) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// Reads returns the total number of store calls.
func (s *MemoryStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.reads {
		n += c
	}
	return n
}

// ReadsOf returns the number of calls to the named method.
func (s *MemoryStore) ReadsOf(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[method]
}

// enter records the read and returns the injected failure, if any. Caller holds mu.
func (s *MemoryStore) enter(ctx context.Context, method string) error {
	s.reads[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failures[method]
}

func (s *MemoryStore) GetCall(ctx context.Context, organizationID, callID string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetCall"); err != nil {
		return calls.Call{}, err
	}
	c, ok := s.calls[callID]
	if !ok || c.OrganizationID != organizationID {
		return calls.Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindRecording(ctx context.Context, organizationID, externalCallID string) (calls.Recording, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindRecording"); err != nil {
		return calls.Recording{}, false, err
	}
	var (
		found calls.Recording
		ok    bool
	)
	for _, r := range s.recordings {
		if r.OrganizationID != organizationID || r.ExternalCallID != externalCallID {
			continue
		}
		if !ok || r.CreatedAt.Before(found.CreatedAt) || (r.CreatedAt.Equal(found.CreatedAt) && r.ID < found.ID) {
			found, ok = r, true
		}
	}
	return found, ok, nil
}

func (s *MemoryStore) ListTranscriptVersions(ctx context.Context, recordingID string) ([]TranscriptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListTranscriptVersions"); err != nil {
		return nil, err
	}
	var out []TranscriptVersion
	for _, t := range s.transcripts {
		if t.RecordingID == recordingID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTranslations(ctx context.Context, callID string) ([]Translation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListTranslations"); err != nil {
		return nil, err
	}
	var out []Translation
	for _, t := range s.translations {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListScores(ctx context.Context, recordingID string) ([]Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListScores"); err != nil {
		return nil, err
	}
	var out []Score
	for _, sc := range s.scores {
		if sc.RecordingID == recordingID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEvidenceManifests(ctx context.Context, recordingID string) ([]EvidenceManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListEvidenceManifests"); err != nil {
		return nil, err
	}
	var out []EvidenceManifest
	for _, m := range s.manifests {
		if m.RecordingID == recordingID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAuditLogs(ctx context.Context, organizationID, callID, recordingID string) ([]AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListAuditLogs"); err != nil {
		return nil, err
	}
	var out []AuditLogEntry
	for _, e := range s.auditLogs {
		if e.ResourceID == callID || e.ResourceID == recordingID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListProvenance(ctx context.Context, callID, recordingID string) ([]ProvenanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListProvenance"); err != nil {
		return nil, err
	}
	owned := map[string]bool{callID: true, recordingID: true}
	for _, t := range s.transcripts {
		if t.RecordingID == recordingID {
			owned[t.ID] = true
		}
	}
	for _, t := range s.translations {
		if t.CallID == callID {
			owned[t.ID] = true
		}
	}
	for _, sc := range s.scores {
		if sc.RecordingID == recordingID {
			owned[sc.ID] = true
		}
	}
	for _, m := range s.manifests {
		if m.RecordingID == recordingID {
			owned[m.ID] = true
		}
	}
	var out []ProvenanceRecord
	for _, p := range s.provenance {
		if owned[p.ArtifactID] {
			out = append(out, p)
		}
	}
	return out, nil
}
