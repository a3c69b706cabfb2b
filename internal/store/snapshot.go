package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Snapshot is the last known payload of a diagram.
type Snapshot struct {
	DocID     int64
	Version   int64
	Payload   []byte
	UpdatedAt time.Time
}

// PutSnapshot stores payload as the latest content of docID. An older
// version never overwrites a newer one.
func (s *Store) PutSnapshot(ctx context.Context, docID, version int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (doc_id, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.version >= snapshots.version
	`, docID, version, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the stored snapshot of docID, or ErrNotFound.
func (s *Store) Snapshot(ctx context.Context, docID int64) (Snapshot, error) {
	var (
		snap      Snapshot
		payload   string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, version, payload, updated_at FROM snapshots WHERE doc_id = ?
	`, docID).Scan(&snap.DocID, &snap.Version, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot %d: %w", docID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Payload = []byte(payload)
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	return snap, nil
}
