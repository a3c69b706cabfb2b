package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveState is the journal state of one save attempt.
type SaveState string

const (
	SavePending   SaveState = "pending"
	SavePublished SaveState = "published"
	SaveFailed    SaveState = "failed"
	SaveEchoed    SaveState = "echoed"
)

// ErrNotFound is returned when a save or snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// SaveRecord is one row of the saves table.
type SaveRecord struct {
	ID          int64
	SessionID   string
	DocID       int64
	Version     int64
	ContentHash string
	Payload     []byte
	State       SaveState
	Error       string
	CreatedAt   time.Time
}

// RecordSave inserts a save attempt and returns its row id. A zero
// CreatedAt is stamped with the current time; an empty State is pending.
func (s *Store) RecordSave(ctx context.Context, rec SaveRecord) (int64, error) {
	if rec.State == "" {
		rec.State = SavePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saves
		(session_id, doc_id, version, content_hash, payload, state, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID,
		rec.DocID,
		rec.Version,
		rec.ContentHash,
		string(rec.Payload),
		string(rec.State),
		rec.Error,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("record save: %w", err)
	}
	return res.LastInsertId()
}

// MarkSaveState moves a save to state, recording errMsg for failures.
func (s *Store) MarkSaveState(ctx context.Context, sessionID string, version int64, state SaveState, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saves SET state = ?, error = ?
		WHERE session_id = ? AND version = ?
	`, string(state), errMsg, sessionID, version)
	if err != nil {
		return fmt.Errorf("mark save state: %w", err)
	}
	return requireRow(res, "mark save state")
}

// MarkEchoed records that the broker echoed a save. A creation save learns
// its doc id here.
func (s *Store) MarkEchoed(ctx context.Context, sessionID string, version, docID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saves
		SET state = ?, doc_id = CASE WHEN doc_id = 0 THEN ? ELSE doc_id END
		WHERE session_id = ? AND version = ?
	`, string(SaveEchoed), docID, sessionID, version)
	if err != nil {
		return fmt.Errorf("mark echoed: %w", err)
	}
	return requireRow(res, "mark echoed")
}

// Saves returns the journal of docID in the order saves were issued.
func (s *Store) Saves(ctx context.Context, docID int64) ([]SaveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, doc_id, version, content_hash, payload, state, error, created_at
		FROM saves
		WHERE doc_id = ?
		ORDER BY id ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query saves: %w", err)
	}
	defer rows.Close()

	var out []SaveRecord
	for rows.Next() {
		var (
			rec       SaveRecord
			payload   string
			state     string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.DocID, &rec.Version,
			&rec.ContentHash, &payload, &state, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan save: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.State = SaveState(state)
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saves: %w", err)
	}
	return out, nil
}

// CountByState returns how many saves are in state, across all documents.
func (s *Store) CountByState(ctx context.Context, state SaveState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saves WHERE state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count saves: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
