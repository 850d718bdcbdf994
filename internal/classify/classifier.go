package classify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/llm"
)

var (
	ErrAlreadyRunning    = errors.New("classification already in progress")
	ErrNothingToClassify = errors.New("no unclassified messages found")
)

const (
	DefaultThreshold = 0.70
	DefaultPageSize  = 200
)

// Store is the persistence the classifier reads and writes.
type Store interface {
	CountUnclassifiedMessages(ctx context.Context) (int, error)
	ListUnclassifiedMessages(ctx context.Context, limit, offset int) ([]domain.Message, error)
	ListProjects(ctx context.Context, includeArchived bool) ([]domain.Project, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ApplyAutoClassifications(ctx context.Context, results []domain.ClassificationResult) (int, error)
	UpdateClassification(ctx context.Context, messageID, projectID string, cls domain.Classification, confidence *float64) error
	CreateJob(ctx context.Context, total int) (domain.ClassificationJob, error)
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus) error
	UpdateJobProcessed(ctx context.Context, id string, processed int) error
	FinishJob(ctx context.Context, id string, status domain.JobStatus, errMsg string) error
	LatestJob(ctx context.Context) (domain.ClassificationJob, error)
}

type Option func(*Classifier)

func WithThreshold(t float64) Option {
	return func(c *Classifier) { c.threshold = t }
}

func WithPageSize(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithProgress(fn func(domain.ClassificationProgress)) Option {
	return func(c *Classifier) { c.onProgress = fn }
}

// RunResult reports what a run or a single round did.
type RunResult struct {
	JobID         string
	Status        domain.JobStatus
	Rounds        int
	Processed     int
	Classified    int
	FailedBatches int
	Usage         llm.Usage
}

type Classifier struct {
	store      Store
	proc       *Processor
	threshold  float64
	pageSize   int
	onProgress func(domain.ClassificationProgress)

	running   atomic.Bool
	cancelled atomic.Bool
}

func NewClassifier(store Store, proc *Processor, opts ...Option) *Classifier {
	c := &Classifier{store: store, proc: proc, threshold: DefaultThreshold, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) IsRunning() bool { return c.running.Load() }

// Cancel stops the current run at the next batch boundary.
func (c *Classifier) Cancel() {
	c.cancelled.Store(true)
	c.proc.Cancel()
}

func (c *Classifier) LatestJob(ctx context.Context) (domain.ClassificationJob, error) {
	return c.store.LatestJob(ctx)
}

// Run classifies every unclassified message, page after page, under one job
// record. Messages already attempted in this run are not sent again, so
// results under the threshold cannot keep the loop alive.
func (c *Classifier) Run(ctx context.Context) (RunResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrAlreadyRunning
	}
	defer c.running.Store(false)
	c.cancelled.Store(false)
	c.proc.Reset()

	total, err := c.store.CountUnclassifiedMessages(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("count unclassified: %w", err)
	}
	if total == 0 {
		return RunResult{}, ErrNothingToClassify
	}
	return c.runJob(ctx, total, c.rounds)
}

// ClassifyOnce runs a single round over at most limit messages. It records a
// job and reports progress like Run.
func (c *Classifier) ClassifyOnce(ctx context.Context, limit int) (RunResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrAlreadyRunning
	}
	defer c.running.Store(false)
	c.cancelled.Store(false)
	c.proc.Reset()

	if limit <= 0 {
		limit = c.pageSize
	}
	page, err := c.store.ListUnclassifiedMessages(ctx, limit, 0)
	if err != nil {
		return RunResult{}, fmt.Errorf("list unclassified: %w", err)
	}
	if len(page) == 0 {
		return RunResult{}, ErrNothingToClassify
	}
	return c.runJob(ctx, len(page), func(ctx, db context.Context, res *RunResult, afterBatch func(BatchResult) error, afterFailure func()) error {
		_, err := c.pass(ctx, db, page, res, afterBatch, afterFailure)
		return err
	})
}

// jobWork performs the passes of one job. afterBatch follows every batch that
// succeeded and afterFailure every batch that did not.
type jobWork func(ctx, db context.Context, res *RunResult, afterBatch func(BatchResult) error, afterFailure func()) error

// runJob wraps work in a job record covering total messages and emits
// progress after every batch.
func (c *Classifier) runJob(ctx context.Context, total int, work jobWork) (RunResult, error) {
	// Store writes must survive ctx cancellation so the job is finalized.
	db := context.WithoutCancel(ctx)
	job, err := c.store.CreateJob(db, total)
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{JobID: job.ID, Status: domain.JobRunning}
	totalBatches := (total + c.proc.BatchSize() - 1) / c.proc.BatchSize()
	batchesDone := 0

	progress := func(status domain.JobStatus, current int, errText string) {
		if c.onProgress == nil {
			return
		}
		c.onProgress(domain.ClassificationProgress{
			JobID:             job.ID,
			Status:            status,
			TotalMessages:     total,
			ProcessedMessages: res.Processed,
			CurrentBatch:      current,
			TotalBatches:      totalBatches,
			Error:             errText,
		})
	}

	runErr := c.store.UpdateJobStatus(db, job.ID, domain.JobRunning)
	if runErr == nil {
		log.Printf("classify job=%s started unclassified=%d batches=%d", job.ID, total, totalBatches)
		progress(domain.JobRunning, 0, "")
		runErr = work(ctx, db, &res, func(b BatchResult) error {
			batchesDone++
			if err := c.store.UpdateJobProcessed(db, job.ID, res.Processed); err != nil {
				return err
			}
			progress(domain.JobRunning, batchesDone, "")
			return nil
		}, func() { batchesDone++ })
	}

	if runErr != nil {
		res.Status = domain.JobFailed
		if err := c.store.FinishJob(db, job.ID, domain.JobFailed, runErr.Error()); err != nil {
			log.Printf("classify job=%s finish failed: %v", job.ID, err)
		}
		log.Printf("classify job=%s failed: %v", job.ID, runErr)
		progress(domain.JobFailed, batchesDone, runErr.Error())
		return res, fmt.Errorf("classification job %s: %w", job.ID, runErr)
	}

	res.Status = domain.JobCompleted
	if c.stopped(ctx) {
		res.Status = domain.JobCancelled
	}
	if err := c.store.FinishJob(db, job.ID, res.Status, ""); err != nil {
		return res, err
	}
	log.Printf("classify job=%s status=%s rounds=%d processed=%d classified=%d failed_batches=%d tokens=%d",
		job.ID, res.Status, res.Rounds, res.Processed, res.Classified, res.FailedBatches, res.Usage.TotalTokens())
	progress(res.Status, totalBatches, "")
	return res, nil
}

// rounds pages through unclassified messages until none are left that this
// run has not tried. offset skips the leftovers of earlier rounds, which stay
// at the head of the unclassified listing.
func (c *Classifier) rounds(ctx, db context.Context, res *RunResult, afterBatch func(BatchResult) error, afterFailure func()) error {
	seen := make(map[string]bool)
	offset := 0
	for !c.stopped(ctx) {
		page, err := c.store.ListUnclassifiedMessages(db, c.pageSize, offset)
		if err != nil {
			return fmt.Errorf("list unclassified: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		fresh := make([]domain.Message, 0, len(page))
		for _, m := range page {
			if !seen[m.ID] {
				seen[m.ID] = true
				fresh = append(fresh, m)
			}
		}
		if len(fresh) == 0 {
			offset += len(page)
			continue
		}

		applied, err := c.pass(ctx, db, fresh, res, afterBatch, afterFailure)
		if err != nil {
			return err
		}
		offset += len(fresh) - applied
	}
	return nil
}

// pass sends msgs through the processor once and returns how many were
// assigned a project.
func (c *Classifier) pass(ctx, db context.Context, msgs []domain.Message, res *RunResult, afterBatch func(BatchResult) error, afterFailure func()) (int, error) {
	projects, err := c.store.ListProjects(db, false)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	res.Rounds++

	applied := 0
	summary, err := c.proc.Process(ctx, msgs, projects, Callbacks{
		OnBatchComplete: func(b BatchResult) error {
			n, err := c.apply(db, b.Results)
			if err != nil {
				return err
			}
			applied += n
			res.Classified += n
			res.Processed += b.Size
			return afterBatch(b)
		},
		OnBatchError: func(int, error) {
			res.FailedBatches++
			afterFailure()
		},
	})
	res.Usage.Add(summary.Usage)
	return applied, err
}

// apply stores results with a project at or above the threshold as auto
// classifications.
func (c *Classifier) apply(ctx context.Context, results []domain.ClassificationResult) (int, error) {
	accepted := make([]domain.ClassificationResult, 0, len(results))
	for _, r := range results {
		if r.ProjectID != nil && *r.ProjectID != "" && r.Confidence >= c.threshold {
			accepted = append(accepted, r)
		}
	}
	if len(accepted) == 0 {
		return 0, nil
	}
	return c.store.ApplyAutoClassifications(ctx, accepted)
}

// Assign sets a manual classification with full confidence.
func (c *Classifier) Assign(ctx context.Context, messageID, projectID string) error {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("assign %s: %w", messageID, err)
	}
	full := 1.0
	return c.store.UpdateClassification(ctx, messageID, projectID, domain.ClassificationManual, &full)
}

// Unassign clears project, classification and confidence.
func (c *Classifier) Unassign(ctx context.Context, messageID string) error {
	return c.store.UpdateClassification(ctx, messageID, "", "", nil)
}

func (c *Classifier) stopped(ctx context.Context) bool {
	return c.cancelled.Load() || ctx.Err() != nil
}
