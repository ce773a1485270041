package evidence

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"call-evidence/pkg/canonical"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatZip  Format = "zip"
)

// ParseFormat accepts "", "json" and "zip"; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatZip:
		return FormatZip, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, s)
	}
}

// Archive entry names.
const (
	FileTranscript = "transcript.txt"
	FileTimeline   = "timeline.json"
	FileManifest   = "manifest.json"
	FileReadme     = "README.txt"
	FileBundle     = "bundle.json"
)

// ReadmeHashPrefix starts the README line that repeats the bundle hash.
const ReadmeHashPrefix = "Bundle hash: "

// Rendered is a finished export body.
type Rendered struct {
	ContentType string
	Filename    string
	Body        []byte
}

// Render serializes a hashed bundle. Failures wrap ErrRender.
func Render(b *Bundle, f Format) (Rendered, error) {
	full := b.withEmptySlices()
	doc, err := marshalPretty(&full)
	if err != nil {
		return Rendered{}, fmt.Errorf("%w: bundle json: %w", ErrRender, err)
	}

	switch f {
	case FormatJSON:
		return Rendered{ContentType: "application/json", Filename: Filename(b, f), Body: doc}, nil
	case FormatZip:
		body, err := renderArchive(&full, doc)
		if err != nil {
			return Rendered{}, fmt.Errorf("%w: %w", ErrRender, err)
		}
		return Rendered{ContentType: "application/zip", Filename: Filename(b, f), Body: body}, nil
	default:
		return Rendered{}, fmt.Errorf("%w: unsupported format %q", ErrRender, f)
	}
}

// Filename is evidence-<call id>-<first 12 hex of the hash>.<ext>.
func Filename(b *Bundle, f Format) string {
	short := strings.TrimPrefix(b.BundleHash, canonical.Prefix)
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("evidence-%s-%s.%s", b.Call.ID, short, f)
}

func renderArchive(b *Bundle, bundleDoc []byte) ([]byte, error) {
	timeline, err := marshalPretty(b.Timeline)
	if err != nil {
		return nil, fmt.Errorf("timeline json: %w", err)
	}
	manifest, err := manifestDocument(b)
	if err != nil {
		return nil, fmt.Errorf("manifest json: %w", err)
	}

	files := []struct {
		name string
		body []byte
	}{
		{FileTranscript, []byte(transcriptText(b))},
		{FileTimeline, timeline},
		{FileManifest, manifest},
		{FileReadme, []byte(readmeText(b))},
		{FileBundle, bundleDoc},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.name,
			Method:   zip.Deflate,
			Modified: b.ExportedAt.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", f.name, err)
		}
		if _, err := w.Write(f.body); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func marshalPretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// manifestDocument is the latest manifest, or a stub naming the bundle when
// the recording has none.
func manifestDocument(b *Bundle) ([]byte, error) {
	if m, ok := b.LatestManifest(); ok {
		return marshalPretty(m)
	}
	return marshalPretty(map[string]any{
		"synthetic":      true,
		"bundle_id":      b.BundleID,
		"bundle_version": b.BundleVersion,
		"bundle_hash":    b.BundleHash,
		"call_id":        b.Call.ID,
		"exported_at":    b.ExportedAt,
	})
}

func transcriptText(b *Bundle) string {
	var sb strings.Builder
	sb.WriteString("CALL TRANSCRIPT\n")
	fmt.Fprintf(&sb, "Call ID: %s\n", b.Call.ID)

	t, ok := b.LatestTranscript()
	if !ok {
		if b.Recording != nil {
			fmt.Fprintf(&sb, "Recording ID: %s\n", b.Recording.ID)
		}
		fmt.Fprintf(&sb, "%s%s\n", ReadmeHashPrefix, b.BundleHash)
		sb.WriteString(strings.Repeat("-", 60) + "\n")
		sb.WriteString("No transcript is available for this call.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Recording ID: %s\n", t.RecordingID)
	fmt.Fprintf(&sb, "Transcript ID: %s\n", t.ID)
	fmt.Fprintf(&sb, "Version: %d of %d\n", t.Version, len(b.Transcripts))
	if t.ProducedByModel != nil && *t.ProducedByModel != "" {
		fmt.Fprintf(&sb, "Produced by: %s (%s)\n", t.ProducedBy, *t.ProducedByModel)
	} else {
		fmt.Fprintf(&sb, "Produced by: %s\n", t.ProducedBy)
	}
	fmt.Fprintf(&sb, "Produced at: %s\n", t.ProducedAt.UTC().Format(time.RFC3339))
	if t.Confidence != nil {
		fmt.Fprintf(&sb, "Confidence: %.4f\n", *t.Confidence)
	}
	fmt.Fprintf(&sb, "Content hash: %s\n", t.ContentHash)
	fmt.Fprintf(&sb, "%s%s\n", ReadmeHashPrefix, b.BundleHash)
	sb.WriteString(strings.Repeat("-", 60) + "\n")
	sb.WriteString(t.Text)
	if !strings.HasSuffix(t.Text, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

func readmeText(b *Bundle) string {
	var sb strings.Builder
	sb.WriteString("CALL EVIDENCE EXPORT\n")
	sb.WriteString("====================\n\n")
	fmt.Fprintf(&sb, "Bundle ID: %s\n", b.BundleID)
	fmt.Fprintf(&sb, "Bundle version: %s\n", b.BundleVersion)
	fmt.Fprintf(&sb, "%s%s\n", ReadmeHashPrefix, b.BundleHash)
	fmt.Fprintf(&sb, "Call ID: %s\n", b.Call.ID)
	fmt.Fprintf(&sb, "Exported at: %s\n", b.ExportedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Exported by: %s\n\n", b.ExportedBy)

	c := b.Counts
	sb.WriteString("Artifact counts\n")
	fmt.Fprintf(&sb, "  Recordings:          %d\n", c.Recordings)
	fmt.Fprintf(&sb, "  Transcript versions: %d\n", c.Transcripts)
	fmt.Fprintf(&sb, "  Translations:        %d\n", c.Translations)
	fmt.Fprintf(&sb, "  Scores:              %d\n", c.Scores)
	fmt.Fprintf(&sb, "  Evidence manifests:  %d\n", c.EvidenceManifests)
	fmt.Fprintf(&sb, "  Audit log entries:   %d\n", c.AuditLogs)
	fmt.Fprintf(&sb, "  Provenance records:  %d\n\n", c.Provenance)

	if len(b.OmittedSections) > 0 {
		fmt.Fprintf(&sb, "Omitted sections (could not be retrieved at export time): %s\n\n",
			strings.Join(b.OmittedSections, ", "))
	}
	if issues := transcriptVersionIssues(b.Transcripts); len(issues) > 0 {
		sb.WriteString("Notices\n")
		for _, issue := range issues {
			fmt.Fprintf(&sb, "  - %s\n", issue)
		}
		sb.WriteString("\n")
	}

	if m, ok := b.LatestManifest(); ok {
		sb.WriteString("Latest evidence manifest\n")
		fmt.Fprintf(&sb, "  Record:        %s (version %d)\n", m.ID, m.Version)
		if s, err := m.Summary(); err != nil {
			sb.WriteString("  The manifest document is not valid JSON; see manifest.json.\n\n")
		} else {
			fmt.Fprintf(&sb, "  Manifest ID:   %s\n", orNone(s.ManifestID))
			fmt.Fprintf(&sb, "  Manifest hash: %s\n", orNone(s.ManifestHash))
			fmt.Fprintf(&sb, "  Artifacts:     %d\n\n", len(s.Artifacts))
		}
	}

	sb.WriteString("Contents\n")
	fmt.Fprintf(&sb, "  %-16s latest transcript version with provenance header\n", FileTranscript)
	fmt.Fprintf(&sb, "  %-16s chronological chain-of-custody events\n", FileTimeline)
	fmt.Fprintf(&sb, "  %-16s latest evidence manifest (synthetic when none exists)\n", FileManifest)
	fmt.Fprintf(&sb, "  %-16s this file\n", FileReadme)
	fmt.Fprintf(&sb, "  %-16s complete bundle for programmatic use\n\n", FileBundle)

	sb.WriteString("Authority\n")
	sb.WriteString("Every record in this archive was read unmodified from the system of record at\n")
	sb.WriteString("the time of export. Transcript versions are append-only; earlier versions are\n")
	sb.WriteString("included in bundle.json and were never overwritten.\n\n")

	sb.WriteString("Verification\n")
	sb.WriteString("The bundle hash is SHA-256 over the canonical JSON (object keys sorted at every\n")
	sb.WriteString("level) of bundle.json with bundle_hash, bundle_id, exported_at, exported_by and\n")
	sb.WriteString("timeline blanked. Recompute it with: evidencectl verify <archive.zip>\n")
	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
