package evidence

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Timeline event types, in tie-break priority order.
const (
	EventCallCreated         = "call_created"
	EventCallStarted         = "call_started"
	EventRecordingCreated    = "recording_created"
	EventTranscriptProduced  = "transcript_produced"
	EventTranslationProduced = "translation_produced"
	EventScoreProduced       = "score_produced"
	EventManifestCreated     = "manifest_created"
	EventCallEnded           = "call_ended"
	EventBundleExported      = "bundle_exported"
)

var eventPriority = map[string]int{
	EventCallCreated:         0,
	EventCallStarted:         1,
	EventRecordingCreated:    2,
	EventTranscriptProduced:  3,
	EventTranslationProduced: 4,
	EventScoreProduced:       5,
	EventManifestCreated:     6,
	EventCallEnded:           7,
	EventBundleExported:      8,
}

const systemProducer = "system"

// BuildTimeline derives the chain-of-custody events of b, ordered by timestamp
// with equal timestamps ordered by event type priority. Events of the same type
// and time keep bundle order.
func BuildTimeline(b *Bundle) []TimelineEvent {
	producers := provenanceProducers(b.Provenance)
	producer := func(artifactType, id, fallback string) string {
		if p, ok := producers[artifactType+"/"+id]; ok {
			return p
		}
		if fallback == "" {
			return systemProducer
		}
		return fallback
	}

	var events []TimelineEvent
	add := func(ts time.Time, typ, desc, artifactID, by string) {
		events = append(events, TimelineEvent{
			Timestamp:       ts,
			EventType:       typ,
			Description:     desc,
			ArtifactID:      artifactID,
			Producer:        by,
			IsAuthoritative: true,
		})
	}

	c := b.Call
	add(c.CreatedAt, EventCallCreated, "Call created", c.ID, producer("call", c.ID, c.CreatedBy))
	if c.StartedAt != nil {
		add(*c.StartedAt, EventCallStarted, "Call started", c.ID, systemProducer)
	}

	if r := b.Recording; r != nil {
		desc := "Recording created"
		if r.DurationSeconds != nil {
			desc = fmt.Sprintf("Recording created (%ds)", *r.DurationSeconds)
		}
		add(r.CreatedAt, EventRecordingCreated, desc, r.ID, producer(ArtifactRecording, r.ID, r.Source))
	}
	for _, t := range b.Transcripts {
		by := t.ProducedBy
		if t.ProducedByModel != nil && *t.ProducedByModel != "" {
			by = *t.ProducedByModel
		}
		add(t.ProducedAt, EventTranscriptProduced,
			fmt.Sprintf("Canonical transcript v%d produced", t.Version),
			t.ID, producer(ArtifactTranscript, t.ID, by))
	}
	for _, t := range b.Translations {
		add(t.ProducedAt, EventTranslationProduced,
			fmt.Sprintf("Translation %s to %s produced", t.FromLanguage, t.ToLanguage),
			t.ID, producer(ArtifactTranslation, t.ID, t.ProducedBy))
	}
	for _, s := range b.Scores {
		desc := fmt.Sprintf("Score recorded on scorecard %s", s.ScorecardID)
		if s.TotalScore != nil {
			desc = fmt.Sprintf("Score %s recorded on scorecard %s", *s.TotalScore, s.ScorecardID)
		}
		add(s.CreatedAt, EventScoreProduced, desc, s.ID, producer(ArtifactScore, s.ID, ""))
	}
	for _, m := range b.EvidenceManifests {
		add(m.CreatedAt, EventManifestCreated,
			fmt.Sprintf("Evidence manifest v%d created", m.Version),
			m.ID, producer(ArtifactManifest, m.ID, ""))
	}
	// A recording is usually created the instant the call ends; the end event
	// sorts after the artifacts it closes.
	if c.EndedAt != nil {
		add(*c.EndedAt, EventCallEnded, fmt.Sprintf("Call ended with status %s", c.Status), c.ID, systemProducer)
	}
	add(b.ExportedAt, EventBundleExported,
		fmt.Sprintf("Evidence bundle exported (%s)", b.BundleHash),
		b.BundleID, cmp.Or(b.ExportedBy, systemProducer))

	slices.SortStableFunc(events, func(x, y TimelineEvent) int {
		return cmp.Or(
			x.Timestamp.Compare(y.Timestamp),
			cmp.Compare(eventPriority[x.EventType], eventPriority[y.EventType]),
		)
	})
	return events
}

// provenanceProducers maps "type/id" to the first recorded producer.
func provenanceProducers(records []ProvenanceRecord) map[string]string {
	out := make(map[string]string, len(records))
	for _, p := range records {
		key := p.ArtifactType + "/" + p.ArtifactID
		if _, ok := out[key]; !ok && p.ProducedBy != "" {
			out[key] = p.ProducedBy
		}
	}
	return out
}
