package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"messageagent/internal/domain"

	"github.com/google/uuid"
)

const defaultMessagePageSize = 50

const messageColumns = `id, source_id, external_id, sender_name, sender_id, sender_avatar, body, body_plain,
	sent_at, thread_id, project_id, classification, confidence, metadata, fetched_at`

// UpsertMessages stores normalized messages keyed by (source_id, external_id).
// Existing rows get body, body_plain and metadata refreshed; their project
// assignment is untouched. It returns how many rows were newly inserted.
func (s *Store) UpsertMessages(ctx context.Context, msgs []domain.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, source_id, external_id, sender_name, sender_id, sender_avatar, body, body_plain,
		   sent_at, thread_id, project_id, classification, confidence, metadata, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, external_id) DO UPDATE SET
		   body = excluded.body,
		   body_plain = excluded.body_plain,
		   metadata = excluded.metadata
		 RETURNING id`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	fetchedAt := s.now()
	inserted := 0
	for _, m := range msgs {
		newID := uuid.NewString()
		var storedID string
		err := stmt.QueryRowContext(ctx,
			newID, m.SourceID, m.ExternalID, m.SenderName, m.SenderID, nullString(m.SenderAvatar),
			m.Body, m.BodyPlain, m.SentAt.UTC(), nullString(m.ThreadID),
			nullString(m.ProjectID), nullString(string(m.Classification)), nullFloat(m.Confidence),
			nullString(m.Metadata), fetchedAt,
		).Scan(&storedID)
		if err != nil {
			return 0, fmt.Errorf("upsert message %s/%s: %w", m.SourceID, m.ExternalID, err)
		}
		if storedID == newID {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListMessages returns a page ordered by sent time, newest first.
func (s *Store) ListMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	var where []string
	var args []any
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Unclassified {
		where = append(where, "project_id IS NULL")
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(body_plain LIKE ? ESCAPE '\\' OR sender_name LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(q) + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY sent_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListUnclassifiedMessages(ctx context.Context, limit, offset int) ([]domain.Message, error) {
	return s.ListMessages(ctx, domain.MessageFilter{Unclassified: true, Limit: limit, Offset: offset})
}

func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func (s *Store) CountUnclassifiedMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE project_id IS NULL`).Scan(&n)
	return n, err
}

// CountMessagesByProject maps project id to its message count.
func (s *Store) CountMessagesByProject(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, COUNT(*) FROM messages WHERE project_id IS NOT NULL GROUP BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// UpdateClassification sets or, with an empty projectID, clears a message's
// project, classification label and confidence.
func (s *Store) UpdateClassification(ctx context.Context, messageID, projectID string, cls domain.Classification, confidence *float64) error {
	var res sql.Result
	var err error
	if projectID == "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET project_id = NULL, classification = NULL, confidence = NULL WHERE id = ?`, messageID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET project_id = ?, classification = ?, confidence = ? WHERE id = ?`,
			projectID, string(cls), nullFloat(confidence), messageID)
	}
	if err != nil {
		return fmt.Errorf("update classification %s: %w", messageID, err)
	}
	return requireOneRow(res, "message", messageID)
}

// ApplyAutoClassifications writes results as auto classifications in one
// transaction. Messages assigned in the meantime are left alone. Results
// without a project are skipped. It returns the number of rows updated.
func (s *Store) ApplyAutoClassifications(ctx context.Context, results []domain.ClassificationResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE messages SET project_id = ?, classification = 'auto', confidence = ?
		 WHERE id = ? AND project_id IS NULL`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	applied := 0
	for _, r := range results {
		if r.ProjectID == nil || *r.ProjectID == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, *r.ProjectID, r.Confidence, r.MessageID)
		if err != nil {
			return 0, fmt.Errorf("apply classification %s: %w", r.MessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		applied += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return applied, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var avatar, threadID, projectID, cls, metadata sql.NullString
	var confidence sql.NullFloat64
	if err := row.Scan(
		&m.ID, &m.SourceID, &m.ExternalID, &m.SenderName, &m.SenderID, &avatar, &m.Body, &m.BodyPlain,
		&m.SentAt, &threadID, &projectID, &cls, &confidence, &metadata, &m.FetchedAt,
	); err != nil {
		return domain.Message{}, err
	}
	m.SentAt = m.SentAt.UTC()
	m.SenderAvatar = avatar.String
	m.ThreadID = threadID.String
	m.ProjectID = projectID.String
	m.Classification = domain.Classification(cls.String)
	m.Confidence = floatPtr(confidence)
	m.Metadata = metadata.String
	return m, nil
}
