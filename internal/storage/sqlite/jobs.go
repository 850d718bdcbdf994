package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"messageagent/internal/domain"

	"github.com/google/uuid"
)

const jobColumns = `id, status, total_messages, processed_messages, error_message, started_at, completed_at, created_at`

func (s *Store) CreateJob(ctx context.Context, total int) (domain.ClassificationJob, error) {
	job := domain.ClassificationJob{
		ID:            uuid.NewString(),
		Status:        domain.JobPending,
		TotalMessages: total,
		CreatedAt:     s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_jobs (id, status, total_messages, processed_messages, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		job.ID, string(job.Status), job.TotalMessages, job.CreatedAt)
	if err != nil {
		return domain.ClassificationJob{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus records a non-terminal status. Moving to running stamps
// started_at once.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE classification_jobs
		 SET status = ?, started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END
		 WHERE id = ?`,
		string(status), string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireOneRow(res, "job", id)
}

func (s *Store) UpdateJobProcessed(ctx context.Context, id string, processed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE classification_jobs SET processed_messages = ? WHERE id = ?`, processed, id)
	if err != nil {
		return fmt.Errorf("update job processed: %w", err)
	}
	return requireOneRow(res, "job", id)
}

// FinishJob moves a job to a terminal status and stamps completed_at.
func (s *Store) FinishJob(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job %s: status %q is not terminal", id, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE classification_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(status), nullString(errMsg), s.now(), id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return requireOneRow(res, "job", id)
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.ClassificationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM classification_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClassificationJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func (s *Store) LatestJob(ctx context.Context) (domain.ClassificationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM classification_jobs ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClassificationJob{}, fmt.Errorf("latest job: %w", ErrNotFound)
	}
	return job, err
}

func scanJob(row rowScanner) (domain.ClassificationJob, error) {
	var job domain.ClassificationJob
	var status string
	var errMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&job.ID, &status, &job.TotalMessages, &job.ProcessedMessages, &errMsg, &started, &completed, &job.CreatedAt); err != nil {
		return domain.ClassificationJob{}, err
	}
	job.Status = domain.JobStatus(status)
	job.ErrorMessage = errMsg.String
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}
