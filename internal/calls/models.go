package calls

import (
	"encoding/json"
	"time"
)

// Call represents an organization-scoped phone call.
//
// Multi-tenant invariant: OrganizationID is required on every row.
//
// Status transitions are driven by telephony events owned by the call-control layer;
// once a call is completed or failed the row is immutable (disposition metadata aside).
type Call struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	Status         CallStatus `json:"status" db:"status"`

	// ExternalCallID is the telephony-assigned identifier (call_sid). Nil until the
	// provider accepts the call. Recordings are linked through it.
	ExternalCallID *string `json:"external_call_id" db:"call_sid"`

	StartedAt *time.Time `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at" db:"ended_at"`

	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress,
		CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// Recording is the captured audio of a call. Recordings are immutable; corrections
// create new downstream artifacts instead of editing the row.
//
// Legacy schema note: recordings predate the call/recording foreign key and are
// located through the call's ExternalCallID.
type Recording struct {
	ID              string          `json:"id" db:"id"`
	OrganizationID  string          `json:"organization_id" db:"organization_id"`
	ExternalCallID  string          `json:"external_call_id" db:"call_sid"`
	URL             string          `json:"url" db:"recording_url"`
	DurationSeconds *int            `json:"duration_seconds" db:"duration_seconds"`
	Status          RecordingStatus `json:"status" db:"status"`
	// Source names the producing system (e.g. the telephony provider).
	Source      string    `json:"source" db:"source"`
	ContentHash *string   `json:"content_hash" db:"content_hash"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	// TranscriptJSON is the pre-versioning single-shot transcript. It is surfaced in
	// exports only as a synthesized transcript version, never directly.
	TranscriptJSON json.RawMessage `json:"-" db:"transcript_json"`
}

type RecordingStatus string

const (
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
)
