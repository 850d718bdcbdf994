package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"messageagent/internal/domain"

	"github.com/google/uuid"
)

const sourceColumns = `id, source_type, external_id, name, COALESCE(metadata, ''), is_active, created_at, updated_at`

// UpsertSource inserts a source or refreshes name and metadata of an existing
// one. The active flag of an existing source is left as the user set it.
func (s *Store) UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO sources (id, source_type, external_id, name, metadata, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(source_type, external_id) DO UPDATE SET
		   name = excluded.name,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		uuid.NewString(), string(src.Type), src.ExternalID, src.Name, src.Metadata, now, now,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		return domain.Source{}, fmt.Errorf("upsert source %s/%s: %w", src.Type, src.ExternalID, err)
	}
	return s.GetSource(ctx, id)
}

func (s *Store) GetSource(ctx context.Context, id string) (domain.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return src, err
}

func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY source_type, name`)
}

func (s *Store) ListActiveSources(ctx context.Context) ([]domain.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE is_active = 1 ORDER BY source_type, name`)
}

func (s *Store) ListSourcesByType(ctx context.Context, t domain.SourceType) ([]domain.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE source_type = ? ORDER BY name`, string(t))
}

func (s *Store) SetSourceActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("set source active: %w", err)
	}
	return requireOneRow(res, "source", id)
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (domain.Source, error) {
	var src domain.Source
	var typ string
	var active int
	if err := row.Scan(&src.ID, &typ, &src.ExternalID, &src.Name, &src.Metadata, &active, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return domain.Source{}, err
	}
	src.Type = domain.SourceType(typ)
	src.IsActive = active != 0
	return src, nil
}
