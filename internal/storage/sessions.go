package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession starts a new session with a generated id.
func (s *Store) CreateSession(ctx context.Context, label string) (Session, error) {
	sess := Session{
		ID:        uuid.New().String(),
		Label:     label,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, label, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.Label, sess.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GetSession returns ErrNotFound for unknown ids.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.label, s.created_at, COUNT(m.sample_id)
		FROM sessions s LEFT JOIN session_samples m ON m.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.label, s.created_at, COUNT(m.sample_id)
		FROM sessions s LEFT JOIN session_samples m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes the session and its manifest. The samples stay in
// the aggregate library.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_samples WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session manifest: %w", err)
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AddToSession records sampleIDs in the session manifest, creating the
// session row if it does not exist yet.
func (s *Store) AddToSession(ctx context.Context, sessionID string, sampleIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning manifest transaction: %w", err)
	}
	defer tx.Rollback()

	if err := addToSession(ctx, tx, sessionID, time.Now().UTC(), sampleIDs...); err != nil {
		return err
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func addToSession(ctx context.Context, e execer, sessionID string, now time.Time, sampleIDs ...string) error {
	ts := now.Format(time.RFC3339)
	if _, err := e.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, label, created_at) VALUES (?, '', ?)`, sessionID, ts); err != nil {
		return fmt.Errorf("ensuring session %s: %w", sessionID, err)
	}
	for _, id := range sampleIDs {
		if _, err := e.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_samples (session_id, sample_id, added_at) VALUES (?, ?, ?)`,
			sessionID, id, ts); err != nil {
			return fmt.Errorf("adding %s to session %s: %w", id, sessionID, err)
		}
	}
	return nil
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt string
	if err := row.Scan(&sess.ID, &sess.Label, &createdAt, &sess.SampleCount); err != nil {
		return Session{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.CreatedAt = t
	return sess, nil
}
