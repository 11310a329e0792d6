package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/features"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StoreCorruptionError reports a stored record whose encoded fields can no
// longer be decoded.
type StoreCorruptionError struct {
	ID    string
	Field string
	Err   error
}

func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("sample %s: corrupt %s: %v", e.ID, e.Field, e.Err)
}

func (e *StoreCorruptionError) Unwrap() error { return e.Err }

// Sample is one classified audio file in the library.
type Sample struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Path        string                `json:"path"`
	Category    classify.Category     `json:"category"`
	Subtype     string                `json:"subtype,omitempty"`
	Mood        string                `json:"mood"`
	MoodDetails *classify.MoodDetails `json:"mood_details,omitempty"`
	Usage       *classify.Usage       `json:"usage,omitempty"`
	Method      classify.Method       `json:"method"`
	Features    features.Vector       `json:"features,omitempty"`
	Fingerprint string                `json:"fingerprint,omitempty"`
	Duration    float64               `json:"duration,omitempty"`
	SampleRate  int                   `json:"sample_rate,omitempty"`
	Tags        string                `json:"tags,omitempty"`
	SessionID   string                `json:"session_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`

	// Source is the path the sample was imported from. It is indexed on
	// upsert and not read back.
	Source string `json:"-"`
}

// SampleRef locates a stored sample without decoding its record.
type SampleRef struct {
	ID          string
	Path        string
	HasFeatures bool
}

// HasFeatures reports whether the sample carries a complete feature vector.
func (s Sample) HasFeatures() bool {
	return s.Features != nil && s.Features.Complete()
}

// Scope selects which samples an operation sees. An empty SessionID is the
// aggregate library.
type Scope struct {
	SessionID string
}

// Aggregate is the scope covering every sample.
var Aggregate = Scope{}

// Session groups the samples touched by one import or classification run.
type Session struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SampleCount int       `json:"sample_count"`
}

// Job is a durable queue entry.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
