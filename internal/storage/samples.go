package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/features"
)

const sampleColumns = `s.id, s.name, s.path, s.category, s.subtype, s.mood, s.mood_details, s.usage,
	s.method, s.features, s.fingerprint, s.duration, s.sample_rate, s.tags, s.session_id,
	s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertSample inserts in or merges it into the stored record with the same
// id, returning the stored result. Non-empty incoming fields overwrite,
// empty ones keep the prior value, and the origin session never changes.
// When in.SessionID is set the sample is also added to that session, and
// when in.Source is set that path is indexed for LookupSource.
func (s *Store) UpsertSample(ctx context.Context, in Sample) (Sample, error) {
	if in.ID == "" {
		return Sample{}, errors.New("upserting sample: empty id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second)
	prior, err := scanSample(tx.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples s WHERE s.id = ?`, in.ID))

	var merged Sample
	var corrupt *StoreCorruptionError
	switch {
	case errors.Is(err, ErrNotFound):
		merged = fresh(in, now)
	case errors.As(err, &corrupt):
		s.logger.Warn("rewriting corrupt sample record",
			zap.String("id", in.ID), zap.String("field", corrupt.Field), zap.Error(corrupt.Err))
		merged = fresh(in, now)
	case err != nil:
		return Sample{}, fmt.Errorf("loading sample %s: %w", in.ID, err)
	default:
		merged = merge(prior, in, now)
	}

	details, err := encodeJSON(merged.MoodDetails)
	if err != nil {
		return Sample{}, fmt.Errorf("encoding mood details: %w", err)
	}
	usage, err := encodeJSON(merged.Usage)
	if err != nil {
		return Sample{}, fmt.Errorf("encoding usage: %w", err)
	}
	var blob []byte
	if merged.Features != nil {
		blob = encodeFloat64s(merged.Features.Values())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO samples (id, name, path, category, subtype, mood, mood_details, usage, method,
			features, fingerprint, duration, sample_rate, tags, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, path = excluded.path, category = excluded.category,
			subtype = excluded.subtype, mood = excluded.mood, mood_details = excluded.mood_details,
			usage = excluded.usage, method = excluded.method, features = excluded.features,
			fingerprint = excluded.fingerprint, duration = excluded.duration,
			sample_rate = excluded.sample_rate, tags = excluded.tags, session_id = excluded.session_id,
			created_at = excluded.created_at, updated_at = excluded.updated_at`,
		merged.ID, merged.Name, merged.Path, string(merged.Category), merged.Subtype, merged.Mood,
		details, usage, string(merged.Method), blob, merged.Fingerprint, merged.Duration,
		merged.SampleRate, merged.Tags, merged.SessionID,
		merged.CreatedAt.Format(time.RFC3339), merged.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Sample{}, fmt.Errorf("writing sample %s: %w", merged.ID, err)
	}

	if in.Source != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sample_sources (path, sample_id) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET sample_id = excluded.sample_id`,
			in.Source, merged.ID); err != nil {
			return Sample{}, fmt.Errorf("indexing source of %s: %w", merged.ID, err)
		}
	}
	if in.SessionID != "" {
		if err := addToSession(ctx, tx, in.SessionID, now, merged.ID); err != nil {
			return Sample{}, err
		}
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return Sample{}, err
	}
	if err := tx.Commit(); err != nil {
		return Sample{}, fmt.Errorf("committing sample %s: %w", merged.ID, err)
	}
	return merged, nil
}

func fresh(in Sample, now time.Time) Sample {
	out := in
	if !out.Category.Valid() {
		out.Category = classify.Other
	}
	if out.Mood == "" {
		out.Mood = classify.UnknownMood
	}
	if out.Method == "" {
		out.Method = classify.MethodLexical
	}
	if out.Features == nil {
		out.Fingerprint = ""
	}
	out.CreatedAt = now
	out.UpdatedAt = now
	return out
}

func merge(prior, in Sample, now time.Time) Sample {
	out := prior
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Path != "" {
		out.Path = in.Path
	}
	if in.Category.Valid() {
		out.Category = in.Category
	}
	if in.Subtype != "" {
		out.Subtype = in.Subtype
	}
	if in.Mood != "" && in.Mood != classify.UnknownMood {
		out.Mood = in.Mood
	}
	if in.MoodDetails != nil {
		out.MoodDetails = in.MoodDetails
	}
	if in.Usage != nil {
		out.Usage = in.Usage
	}
	if in.Method != "" {
		out.Method = in.Method
	}
	if in.Features != nil {
		out.Features = in.Features
		out.Fingerprint = in.Fingerprint
	}
	if in.Duration > 0 {
		out.Duration = in.Duration
	}
	if in.SampleRate > 0 {
		out.SampleRate = in.SampleRate
	}
	if in.Tags != "" {
		out.Tags = in.Tags
	}
	if out.SessionID == "" {
		out.SessionID = in.SessionID
	}
	out.UpdatedAt = now
	return out
}

// GetSample returns ErrNotFound for unknown ids and a *StoreCorruptionError
// when the stored record cannot be decoded.
func (s *Store) GetSample(ctx context.Context, id string) (Sample, error) {
	return scanSample(s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples s WHERE s.id = ?`, id))
}

// LookupSample returns a reference to the sample with the given id, or
// ErrNotFound.
func (s *Store) LookupSample(ctx context.Context, id string) (SampleRef, error) {
	return lookupRef(s.db.QueryRowContext(ctx,
		`SELECT id, path, features IS NOT NULL FROM samples WHERE id = ?`, id))
}

// LookupSource returns the sample last imported from path, or ErrNotFound.
// It does not touch the file, so it works after the source was moved away.
func (s *Store) LookupSource(ctx context.Context, path string) (SampleRef, error) {
	return lookupRef(s.db.QueryRowContext(ctx, `
		SELECT s.id, s.path, s.features IS NOT NULL
		FROM sample_sources src JOIN samples s ON s.id = src.sample_id
		WHERE src.path = ?`, path))
}

func lookupRef(row rowScanner) (SampleRef, error) {
	var ref SampleRef
	var withFeatures int
	err := row.Scan(&ref.ID, &ref.Path, &withFeatures)
	if errors.Is(err, sql.ErrNoRows) {
		return SampleRef{}, ErrNotFound
	}
	if err != nil {
		return SampleRef{}, err
	}
	ref.HasFeatures = withFeatures == 1
	return ref, nil
}

// HasSample reports whether id is stored.
func (s *Store) HasSample(ctx context.Context, id string) (bool, error) {
	_, err := s.LookupSample(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListSamples returns the samples in scope ordered by name then id. Records
// with undecodable fields are logged and returned without those fields.
func (s *Store) ListSamples(ctx context.Context, scope Scope) ([]Sample, error) {
	query, args := scopedQuery(scope, "")
	return s.querySamples(ctx, query, args, true)
}

// AllWithFeatures returns up to limit samples in scope that carry a feature
// vector. Corrupt records are skipped. limit <= 0 means no limit.
func (s *Store) AllWithFeatures(ctx context.Context, scope Scope, limit int) ([]Sample, error) {
	query, args := scopedQuery(scope, "s.features IS NOT NULL")
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySamples(ctx, query, args, false)
}

// CountSamples returns the number of samples in scope.
func (s *Store) CountSamples(ctx context.Context, scope Scope) (int, error) {
	var n int
	var err error
	if scope.SessionID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM session_samples WHERE session_id = ?`, scope.SessionID).Scan(&n)
	}
	return n, err
}

// Revision increases on every sample write. Caches key on it.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'revision'`).Scan(&rev)
	return rev, err
}

func bumpRevision(ctx context.Context, e execer) error {
	if _, err := e.ExecContext(ctx, `UPDATE store_meta SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return fmt.Errorf("bumping revision: %w", err)
	}
	return nil
}

func scopedQuery(scope Scope, where string) (string, []any) {
	var args []any
	query := `SELECT ` + sampleColumns + ` FROM samples s`
	if scope.SessionID != "" {
		query += ` JOIN session_samples m ON m.sample_id = s.id AND m.session_id = ?`
		args = append(args, scope.SessionID)
	}
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY s.name ASC, s.id ASC`
	return query, args
}

func (s *Store) querySamples(ctx context.Context, query string, args []any, keepCorrupt bool) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Sample{}
	for rows.Next() {
		smp, err := scanSample(rows)
		var corrupt *StoreCorruptionError
		if errors.As(err, &corrupt) {
			s.logger.Warn("corrupt sample record",
				zap.String("id", corrupt.ID), zap.String("field", corrupt.Field), zap.Error(corrupt.Err))
			if !keepCorrupt {
				continue
			}
		} else if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// scanSample decodes one row. On a decoding failure it returns the fields it
// could read together with a *StoreCorruptionError.
func scanSample(row rowScanner) (Sample, error) {
	var smp Sample
	var category, method, createdAt, updatedAt string
	var details, usage sql.NullString
	var blob []byte
	err := row.Scan(&smp.ID, &smp.Name, &smp.Path, &category, &smp.Subtype, &smp.Mood, &details, &usage,
		&method, &blob, &smp.Fingerprint, &smp.Duration, &smp.SampleRate, &smp.Tags, &smp.SessionID,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Sample{}, ErrNotFound
	}
	if err != nil {
		return Sample{}, err
	}
	smp.Category = classify.Category(category)
	smp.Method = classify.Method(method)

	var firstErr error
	fail := func(field string, err error) {
		if firstErr == nil {
			firstErr = &StoreCorruptionError{ID: smp.ID, Field: field, Err: err}
		}
	}

	if !smp.Category.Valid() {
		fail("category", fmt.Errorf("unknown category %q", category))
	}
	if blob != nil {
		values, err := decodeFloat64s(blob)
		if err == nil {
			smp.Features, err = features.FromValues(values)
		}
		if err != nil {
			smp.Features = nil
			fail("features", err)
		}
	}
	if details.Valid && details.String != "" {
		var d classify.MoodDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			fail("mood_details", err)
		} else {
			smp.MoodDetails = &d
		}
	}
	if usage.Valid && usage.String != "" {
		var u classify.Usage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			fail("usage", err)
		} else {
			smp.Usage = &u
		}
	}
	if smp.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		fail("created_at", err)
	}
	if smp.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		fail("updated_at", err)
	}
	return smp, firstErr
}

func encodeJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// encodeFloat64s serializes v as little-endian IEEE 754 doubles.
func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 8", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
