package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"call-evidence/internal/calls"
)

// BundleVersion is the export format version.
const BundleVersion = "1.0"

// Producer kinds for transcript versions.
const (
	ProducedByHuman = "human"
	ProducedByModel = "model"
)

// TranscriptVersion is append-only: a correction is version N+1, never an edit of N.
type TranscriptVersion struct {
	ID              string    `json:"id"`
	RecordingID     string    `json:"recording_id"`
	Version         int       `json:"version"`
	Text            string    `json:"text"`
	Confidence      *float64  `json:"confidence"`
	ContentHash     string    `json:"content_hash"`
	ProducedBy      string    `json:"produced_by"`
	ProducedByModel *string   `json:"produced_by_model"`
	ProducedAt      time.Time `json:"produced_at"`
}

type Translation struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	FromLanguage   string    `json:"from_language"`
	ToLanguage     string    `json:"to_language"`
	TranslatedText string    `json:"translated_text"`
	ProducedBy     string    `json:"produced_by"`
	ProducedAt     time.Time `json:"produced_at"`
}

// Score keeps the per-criterion breakdown and overrides as raw JSON so they
// reach the hash exactly as stored.
type Score struct {
	ID                  string          `json:"id"`
	RecordingID         string          `json:"recording_id"`
	ScorecardID         string          `json:"scorecard_id"`
	TotalScore          *json.Number    `json:"total_score"`
	ScoresJSON          json.RawMessage `json:"scores_json"`
	ManualOverridesJSON json.RawMessage `json:"manual_overrides_json"`
	CreatedAt           time.Time       `json:"created_at"`
}

type EvidenceManifest struct {
	ID          string          `json:"id"`
	RecordingID string          `json:"recording_id"`
	Version     int             `json:"version"`
	Manifest    json.RawMessage `json:"manifest"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ManifestSummary is the known part of a manifest document.
type ManifestSummary struct {
	ManifestID   string        `json:"manifest_id"`
	ManifestHash string        `json:"manifest_hash"`
	Artifacts    []ArtifactRef `json:"artifacts"`
}

// Summary decodes the typed fields of the manifest; unknown fields are ignored.
func (m EvidenceManifest) Summary() (ManifestSummary, error) {
	var s ManifestSummary
	if len(m.Manifest) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(m.Manifest, &s); err != nil {
		return ManifestSummary{}, fmt.Errorf("evidence: manifest %s: %w", m.ID, err)
	}
	return s, nil
}

type AuditLogEntry struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	ActorType    string    `json:"actor_type"`
	UserID       *string   `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactRef points at an upstream artifact.
type ArtifactRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ProvenanceRecord edges form a DAG across artifacts. Display only.
type ProvenanceRecord struct {
	ID           string        `json:"id"`
	ArtifactType string        `json:"artifact_type"`
	ArtifactID   string        `json:"artifact_id"`
	ProducedBy   string        `json:"produced_by"`
	ProducedAt   time.Time     `json:"produced_at"`
	InputRefs    []ArtifactRef `json:"input_refs"`
}

// Artifact types used in provenance records.
const (
	ArtifactRecording   = "recording"
	ArtifactTranscript  = "transcript"
	ArtifactTranslation = "translation"
	ArtifactScore       = "score"
	ArtifactManifest    = "evidence_manifest"
)

type ArtifactCounts struct {
	Recordings        int `json:"recordings"`
	Transcripts       int `json:"transcripts"`
	Translations      int `json:"translations"`
	Scores            int `json:"scores"`
	EvidenceManifests int `json:"evidence_manifests"`
	AuditLogs         int `json:"audit_logs"`
	Provenance        int `json:"provenance"`
}

// Section names, as reported in Bundle.OmittedSections.
const (
	SectionTranscripts  = "transcripts"
	SectionTranslations = "translations"
	SectionScores       = "scores"
	SectionManifests    = "evidence_manifests"
	SectionAuditLogs    = "audit_logs"
	SectionProvenance   = "provenance"
)

type TimelineEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	EventType       string    `json:"event_type"`
	Description     string    `json:"description"`
	ArtifactID      string    `json:"artifact_id"`
	Producer        string    `json:"producer"`
	IsAuthoritative bool      `json:"is_authoritative"`
}

// Bundle is built once per export request, hashed, rendered and discarded.
// Only ExportRecord is persisted.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	BundleVersion string    `json:"bundle_version"`
	BundleHash    string    `json:"bundle_hash"`
	ExportedAt    time.Time `json:"exported_at"`
	ExportedBy    string    `json:"exported_by"`

	Call      calls.Call       `json:"call"`
	Recording *calls.Recording `json:"recording"`

	Transcripts       []TranscriptVersion `json:"transcripts"`
	Translations      []Translation       `json:"translations"`
	Scores            []Score             `json:"scores"`
	EvidenceManifests []EvidenceManifest  `json:"evidence_manifests"`
	AuditLogs         []AuditLogEntry     `json:"audit_logs"`
	Provenance        []ProvenanceRecord  `json:"provenance"`

	Counts          ArtifactCounts `json:"counts"`
	OmittedSections []string       `json:"omitted_sections"`

	Timeline []TimelineEvent `json:"timeline"`
}

// LatestTranscript returns the highest version, relying on Transcripts being sorted.
func (b *Bundle) LatestTranscript() (TranscriptVersion, bool) {
	if len(b.Transcripts) == 0 {
		return TranscriptVersion{}, false
	}
	return b.Transcripts[len(b.Transcripts)-1], true
}

// LatestManifest returns the highest version, relying on EvidenceManifests being sorted.
func (b *Bundle) LatestManifest() (EvidenceManifest, bool) {
	if len(b.EvidenceManifests) == 0 {
		return EvidenceManifest{}, false
	}
	return b.EvidenceManifests[len(b.EvidenceManifests)-1], true
}

// withEmptySlices returns a shallow copy whose nil lists are empty, so that
// "no rows" always serializes as [] rather than null.
func (b Bundle) withEmptySlices() Bundle {
	if b.Transcripts == nil {
		b.Transcripts = []TranscriptVersion{}
	}
	if b.Translations == nil {
		b.Translations = []Translation{}
	}
	if b.Scores == nil {
		b.Scores = []Score{}
	}
	if b.EvidenceManifests == nil {
		b.EvidenceManifests = []EvidenceManifest{}
	}
	if b.AuditLogs == nil {
		b.AuditLogs = []AuditLogEntry{}
	}
	if b.Provenance == nil {
		b.Provenance = []ProvenanceRecord{}
	}
	if b.OmittedSections == nil {
		b.OmittedSections = []string{}
	}
	if b.Timeline == nil {
		b.Timeline = []TimelineEvent{}
	}
	return b
}

// ExportRecord is the persisted summary of one export.
type ExportRecord struct {
	ID             string         `json:"id"`
	BundleID       string         `json:"bundle_id"`
	CallID         string         `json:"call_id"`
	OrganizationID string         `json:"organization_id"`
	BundleHash     string         `json:"bundle_hash"`
	Format         Format         `json:"format"`
	Counts         ArtifactCounts `json:"counts"`
	ExportedBy     string         `json:"exported_by"`
	ExportedAt     time.Time      `json:"exported_at"`
}
