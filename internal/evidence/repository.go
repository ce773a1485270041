package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-evidence/internal/calls"
)

// NOTE: PostgresStore assumes the following tables exist:
// - calls(id, organization_id, status, call_sid, started_at, ended_at, created_by, created_at)
// - recordings(id, organization_id, call_sid, recording_url, duration_seconds, status, source,
//   content_hash, transcript_json jsonb, created_at)
// - transcript_versions (append-only, UNIQUE (recording_id, version))
// - translations, scores, evidence_manifests, audit_logs, provenance_records
//
// Every timestamp is returned in UTC so serialized bundles do not depend on the
// session time zone.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetCall(ctx context.Context, organizationID, callID string) (calls.Call, error) {
	const q = `
SELECT id, organization_id, status, call_sid, started_at, ended_at, created_by, created_at
FROM calls
WHERE organization_id = $1 AND id = $2
`
	var row callRow
	if err := s.db.QueryRowContext(ctx, q, organizationID, callID).Scan(
		&row.call.ID,
		&row.call.OrganizationID,
		&row.call.Status,
		&row.sid,
		&row.started,
		&row.ended,
		&row.createdBy,
		&row.call.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, ErrNotFound
		}
		return calls.Call{}, fmt.Errorf("evidence.postgres.GetCall: %w", err)
	}
	return row.toCall(), nil
}

// callRow holds the nullable columns of a calls row; legacy rows may lack
// call_sid and created_by.
type callRow struct {
	call      calls.Call
	sid       sql.NullString
	createdBy sql.NullString
	started   sql.NullTime
	ended     sql.NullTime
}

func (r callRow) toCall() calls.Call {
	c := r.call
	c.ExternalCallID = stringPtr(r.sid)
	c.CreatedBy = r.createdBy.String
	c.StartedAt = timePtr(r.started)
	c.EndedAt = timePtr(r.ended)
	c.CreatedAt = c.CreatedAt.UTC()
	return c
}

// FindRecording returns the earliest recording for the call sid.
func (s *PostgresStore) FindRecording(ctx context.Context, organizationID, externalCallID string) (calls.Recording, bool, error) {
	const q = `
SELECT id, organization_id, call_sid, recording_url, duration_seconds, status,
       COALESCE(source, ''), content_hash, transcript_json, created_at
FROM recordings
WHERE organization_id = $1 AND call_sid = $2
ORDER BY created_at ASC, id ASC
LIMIT 1
`
	var (
		r          calls.Recording
		duration   sql.NullInt64
		hash       sql.NullString
		transcript []byte
	)
	err := s.db.QueryRowContext(ctx, q, organizationID, externalCallID).Scan(
		&r.ID,
		&r.OrganizationID,
		&r.ExternalCallID,
		&r.URL,
		&duration,
		&r.Status,
		&r.Source,
		&hash,
		&transcript,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Recording{}, false, nil
		}
		return calls.Recording{}, false, fmt.Errorf("evidence.postgres.FindRecording: %w", err)
	}
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationSeconds = &d
	}
	r.ContentHash = stringPtr(hash)
	if len(transcript) > 0 {
		r.TranscriptJSON = json.RawMessage(transcript)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, true, nil
}

func (s *PostgresStore) ListTranscriptVersions(ctx context.Context, recordingID string) ([]TranscriptVersion, error) {
	const q = `
SELECT id, recording_id, version, text, confidence, content_hash, produced_by, produced_by_model, produced_at
FROM transcript_versions
WHERE recording_id = $1
`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListTranscriptVersions: %w", err)
	}
	defer rows.Close()

	var out []TranscriptVersion
	for rows.Next() {
		var (
			t          TranscriptVersion
			confidence sql.NullFloat64
			model      sql.NullString
		)
		if err := rows.Scan(
			&t.ID,
			&t.RecordingID,
			&t.Version,
			&t.Text,
			&confidence,
			&t.ContentHash,
			&t.ProducedBy,
			&model,
			&t.ProducedAt,
		); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListTranscriptVersions: %w", err)
		}
		if confidence.Valid {
			f := confidence.Float64
			t.Confidence = &f
		}
		t.ProducedByModel = stringPtr(model)
		t.ProducedAt = t.ProducedAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListTranscriptVersions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListTranslations(ctx context.Context, callID string) ([]Translation, error) {
	const q = `
SELECT id, call_id, from_language, to_language, translated_text, produced_by, produced_at
FROM translations
WHERE call_id = $1
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListTranslations: %w", err)
	}
	defer rows.Close()

	var out []Translation
	for rows.Next() {
		var t Translation
		if err := rows.Scan(
			&t.ID,
			&t.CallID,
			&t.FromLanguage,
			&t.ToLanguage,
			&t.TranslatedText,
			&t.ProducedBy,
			&t.ProducedAt,
		); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListTranslations: %w", err)
		}
		t.ProducedAt = t.ProducedAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListTranslations: %w", err)
	}
	return out, nil
}

// ListScores reads total_score as text so the numeric literal reaches the hash unchanged.
func (s *PostgresStore) ListScores(ctx context.Context, recordingID string) ([]Score, error) {
	const q = `
SELECT id, recording_id, scorecard_id, total_score::text, scores_json, manual_overrides_json, created_at
FROM scores
WHERE recording_id = $1
`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListScores: %w", err)
	}
	defer rows.Close()

	var out []Score
	for rows.Next() {
		var (
			sc        Score
			total     sql.NullString
			scores    []byte
			overrides []byte
		)
		if err := rows.Scan(
			&sc.ID,
			&sc.RecordingID,
			&sc.ScorecardID,
			&total,
			&scores,
			&overrides,
			&sc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListScores: %w", err)
		}
		if total.Valid {
			n := json.Number(total.String)
			sc.TotalScore = &n
		}
		sc.ScoresJSON = rawOrNil(scores)
		sc.ManualOverridesJSON = rawOrNil(overrides)
		sc.CreatedAt = sc.CreatedAt.UTC()
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListScores: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListEvidenceManifests(ctx context.Context, recordingID string) ([]EvidenceManifest, error) {
	const q = `
SELECT id, recording_id, version, manifest, created_at
FROM evidence_manifests
WHERE recording_id = $1
`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListEvidenceManifests: %w", err)
	}
	defer rows.Close()

	var out []EvidenceManifest
	for rows.Next() {
		var (
			m   EvidenceManifest
			doc []byte
		)
		if err := rows.Scan(&m.ID, &m.RecordingID, &m.Version, &doc, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListEvidenceManifests: %w", err)
		}
		m.Manifest = rawOrNil(doc)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListEvidenceManifests: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, organizationID, callID, recordingID string) ([]AuditLogEntry, error) {
	const q = `
SELECT id, action, resource_type, resource_id, COALESCE(actor_type, 'system'), user_id, created_at
FROM audit_logs
WHERE organization_id = $1 AND resource_id IN ($2, $3)
`
	rows, err := s.db.QueryContext(ctx, q, organizationID, callID, recordingID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListAuditLogs: %w", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var (
			e    AuditLogEntry
			user sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.Action,
			&e.ResourceType,
			&e.ResourceID,
			&e.ActorType,
			&user,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListAuditLogs: %w", err)
		}
		e.UserID = stringPtr(user)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListAuditLogs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListProvenance(ctx context.Context, callID, recordingID string) ([]ProvenanceRecord, error) {
	const q = `
SELECT id, artifact_type, artifact_id, produced_by, produced_at, input_refs
FROM provenance_records
WHERE call_id = $1 OR recording_id = $2
`
	rows, err := s.db.QueryContext(ctx, q, callID, recordingID)
	if err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListProvenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceRecord
	for rows.Next() {
		var (
			p    ProvenanceRecord
			refs []byte
		)
		if err := rows.Scan(&p.ID, &p.ArtifactType, &p.ArtifactID, &p.ProducedBy, &p.ProducedAt, &refs); err != nil {
			return nil, fmt.Errorf("evidence.postgres.ListProvenance: %w", err)
		}
		p.InputRefs = []ArtifactRef{}
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &p.InputRefs); err != nil {
				return nil, fmt.Errorf("evidence.postgres.ListProvenance: input_refs of %s: %w", p.ID, err)
			}
		}
		p.ProducedAt = p.ProducedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence.postgres.ListProvenance: %w", err)
	}
	return out, nil
}

// PostgresRecordRepo persists export summaries.
//
// NOTE: assumes export_records(id, bundle_id, call_id, organization_id, bundle_hash,
// format, counts jsonb, exported_by, exported_at), INSERT-only.
type PostgresRecordRepo struct {
	db *sql.DB
}

func NewPostgresRecordRepo(db *sql.DB) *PostgresRecordRepo {
	return &PostgresRecordRepo{db: db}
}

func (r *PostgresRecordRepo) Insert(ctx context.Context, rec ExportRecord) error {
	const q = `
INSERT INTO export_records (
  id, bundle_id, call_id, organization_id, bundle_hash, format, counts, exported_by, exported_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	counts, err := json.Marshal(rec.Counts)
	if err != nil {
		return fmt.Errorf("evidence.postgres.InsertExportRecord: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.BundleID,
		rec.CallID,
		rec.OrganizationID,
		rec.BundleHash,
		string(rec.Format),
		string(counts),
		rec.ExportedBy,
		rec.ExportedAt,
	); err != nil {
		return fmt.Errorf("evidence.postgres.InsertExportRecord: %w", err)
	}
	return nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

// rawOrNil keeps SQL NULL as a JSON null rather than an empty document.
func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
