package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"messageagent/internal/domain"
)

func (s *Store) EnsureSyncState(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (source_id, status) VALUES (?, 'idle')
		 ON CONFLICT(source_id) DO NOTHING`, sourceID)
	if err != nil {
		return fmt.Errorf("ensure sync state %s: %w", sourceID, err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, sourceID string) (domain.SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_id, last_synced_at, last_message_id, cursor, status, error_message
		 FROM sync_states WHERE source_id = ?`, sourceID)
	st, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncState{}, fmt.Errorf("sync state %s: %w", sourceID, ErrNotFound)
	}
	return st, err
}

func (s *Store) ListSyncStates(ctx context.Context) ([]domain.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, last_synced_at, last_message_id, cursor, status, error_message FROM sync_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateSyncStatus sets the status and error text; an empty errMsg clears it.
func (s *Store) UpdateSyncStatus(ctx context.Context, sourceID string, status domain.SyncStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET status = ?, error_message = ? WHERE source_id = ?`,
		string(status), nullString(errMsg), sourceID)
	if err != nil {
		return fmt.Errorf("update sync status %s: %w", sourceID, err)
	}
	return nil
}

// MarkSynced records a successful sync: idle, no error, last_synced_at = at.
func (s *Store) MarkSynced(ctx context.Context, sourceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET status = 'idle', error_message = NULL, last_synced_at = ? WHERE source_id = ?`,
		at.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", sourceID, err)
	}
	return nil
}

func (s *Store) UpdateLastMessageID(ctx context.Context, sourceID, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET last_message_id = ? WHERE source_id = ?`, nullString(externalID), sourceID)
	if err != nil {
		return fmt.Errorf("update last message id %s: %w", sourceID, err)
	}
	return nil
}

func (s *Store) UpdateCursor(ctx context.Context, sourceID, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET cursor = ? WHERE source_id = ?`, nullString(cursor), sourceID)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", sourceID, err)
	}
	return nil
}

// ResetStaleSyncing moves states left in syncing by an interrupted run back to idle.
func (s *Store) ResetStaleSyncing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_states SET status = 'idle' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale syncing: %w", err)
	}
	return res.RowsAffected()
}

func scanSyncState(row rowScanner) (domain.SyncState, error) {
	var st domain.SyncState
	var lastSynced sql.NullTime
	var lastID, cursor, errMsg sql.NullString
	var status string
	if err := row.Scan(&st.SourceID, &lastSynced, &lastID, &cursor, &status, &errMsg); err != nil {
		return domain.SyncState{}, err
	}
	st.LastSyncedAt = timePtr(lastSynced)
	st.LastMessageID = lastID.String
	st.Cursor = cursor.String
	st.Status = domain.SyncStatus(status)
	st.ErrorMessage = errMsg.String
	return st, nil
}
