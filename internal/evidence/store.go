package evidence

import (
	"context"

	"call-evidence/internal/calls"
)

// ArtifactStore is the read-only view of persisted call artifacts.
//
// Records are append-only, so reads need no transaction. List methods return
// rows in any order; the aggregator sorts them.
type ArtifactStore interface {
	// GetCall returns ErrNotFound when the call does not exist in the organization.
	GetCall(ctx context.Context, organizationID, callID string) (calls.Call, error)
	// FindRecording locates the call's recording through its external call id.
	FindRecording(ctx context.Context, organizationID, externalCallID string) (calls.Recording, bool, error)

	ListTranscriptVersions(ctx context.Context, recordingID string) ([]TranscriptVersion, error)
	ListTranslations(ctx context.Context, callID string) ([]Translation, error)
	ListScores(ctx context.Context, recordingID string) ([]Score, error)
	ListEvidenceManifests(ctx context.Context, recordingID string) ([]EvidenceManifest, error)
	// ListAuditLogs returns entries whose resource is the call or the recording.
	ListAuditLogs(ctx context.Context, organizationID, callID, recordingID string) ([]AuditLogEntry, error)
	ListProvenance(ctx context.Context, callID, recordingID string) ([]ProvenanceRecord, error)
}
