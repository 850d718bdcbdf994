package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"messageagent/internal/domain"

	"github.com/google/uuid"
)

const projectColumns = `id, name, COALESCE(description, ''), COALESCE(color, ''), COALESCE(keywords, '[]'),
	COALESCE(rules, ''), is_archived, created_at, updated_at`

// ListProjects returns projects ordered by name, archived ones only when asked.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

// GetProjectByName matches case-insensitively.
func (s *Store) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE lower(name) = lower(?) ORDER BY created_at LIMIT 1`,
		strings.TrimSpace(name))
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	return p, err
}

func (s *Store) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if strings.TrimSpace(p.Name) == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	keywords, err := json.Marshal(nonNilStrings(p.Keywords))
	if err != nil {
		return domain.Project{}, err
	}
	now := s.now()
	p.ID = uuid.NewString()
	p.CreatedAt, p.UpdatedAt = now, now
	p.IsArchived = false
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, color, keywords, rules, is_archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, strings.TrimSpace(p.Name), p.Description, p.Color, string(keywords), p.Rules, now, now)
	if err != nil {
		return domain.Project{}, fmt.Errorf("create project: %w", err)
	}
	p.Name = strings.TrimSpace(p.Name)
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, p domain.Project) error {
	keywords, err := json.Marshal(nonNilStrings(p.Keywords))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, color = ?, keywords = ?, rules = ?, updated_at = ?
		 WHERE id = ?`,
		strings.TrimSpace(p.Name), p.Description, p.Color, string(keywords), p.Rules, s.now(), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireOneRow(res, "project", p.ID)
}

func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET is_archived = 1, updated_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return fmt.Errorf("archive project: %w", err)
	}
	return requireOneRow(res, "project", id)
}

// DeleteProject removes a project and clears the assignment of its messages.
// The messages themselves are kept.
func (s *Store) DeleteProject(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET project_id = NULL, classification = NULL, confidence = NULL WHERE project_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("clear project messages: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete project: %w", err)
	}
	if err := requireOneRow(res, "project", id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(cleared), nil
}

func nonNilStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var keywords string
	var archived int
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Color, &keywords, &p.Rules, &archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Project{}, err
	}
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
			return domain.Project{}, fmt.Errorf("decode keywords for project %s: %w", p.ID, err)
		}
	}
	p.IsArchived = archived != 0
	return p, nil
}
