package library

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/crate/internal/storage"
)

// Format is a manifest encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Manifest is the exported description of a library or session.
type Manifest struct {
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
	SessionID   string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Count       int             `json:"count" yaml:"count"`
	Samples     []ManifestEntry `json:"samples" yaml:"samples"`
}

// ManifestEntry omits feature vectors; they are only meaningful inside a
// store with the same extraction configuration.
type ManifestEntry struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Path     string   `json:"path" yaml:"path"`
	Category string   `json:"category" yaml:"category"`
	Subtype  string   `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Mood     string   `json:"mood" yaml:"mood"`
	Overall  []string `json:"overall,omitempty" yaml:"overall,omitempty"`
	Usage    string   `json:"usage,omitempty" yaml:"usage,omitempty"`
	Method   string   `json:"method" yaml:"method"`
	Duration float64  `json:"duration,omitempty" yaml:"duration,omitempty"`
	Tags     string   `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// BuildManifest summarizes samples.
func BuildManifest(samples []storage.Sample, scope storage.Scope, now time.Time) Manifest {
	m := Manifest{
		GeneratedAt: now.UTC(),
		SessionID:   scope.SessionID,
		Count:       len(samples),
		Samples:     make([]ManifestEntry, 0, len(samples)),
	}
	for _, s := range samples {
		e := ManifestEntry{
			ID:       s.ID,
			Name:     s.Name,
			Path:     s.Path,
			Category: string(s.Category),
			Subtype:  s.Subtype,
			Mood:     s.Mood,
			Method:   string(s.Method),
			Duration: s.Duration,
			Tags:     s.Tags,
		}
		if s.MoodDetails != nil {
			e.Overall = s.MoodDetails.Overall
		}
		if s.Usage != nil {
			e.Usage = s.Usage.SampleType
		}
		m.Samples = append(m.Samples, e)
	}
	return m
}

// WriteManifest encodes m to w.
func WriteManifest(w io.Writer, m Manifest, format Format) error {
	switch format {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown manifest format %q", format)
}

// ExportManifest builds and writes a manifest in one step.
func ExportManifest(w io.Writer, samples []storage.Sample, scope storage.Scope, format Format) error {
	return WriteManifest(w, BuildManifest(samples, scope, time.Now()), format)
}
