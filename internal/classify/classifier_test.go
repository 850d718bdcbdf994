package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/llm"
	"messageagent/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchIDPattern = regexp.MustCompile(`(?m)^ID: (\S+)$`)

// fakeLLM answers every batch with the project and confidence chosen by
// decide. fail lets a test reject a batch by its first message id.
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	decide  func(messageID string) (projectID *string, confidence float64)
	fail    func(firstID string) error
	batches [][]string
}

func (f *fakeLLM) CreateMessage(_ context.Context, req llm.Request) (llm.Response, error) {
	var ids []string
	for _, m := range batchIDPattern.FindAllStringSubmatch(req.User, -1) {
		ids = append(ids, m[1])
	}

	f.mu.Lock()
	f.calls++
	f.batches = append(f.batches, ids)
	f.mu.Unlock()

	if f.fail != nil && len(ids) > 0 {
		if err := f.fail(ids[0]); err != nil {
			return llm.Response{}, err
		}
	}

	type entry struct {
		MessageID  string  `json:"message_id"`
		ProjectID  *string `json:"project_id"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	out := struct {
		Classifications []entry `json:"classifications"`
	}{}
	for _, id := range ids {
		pid, conf := f.decide(id)
		out.Classifications = append(out.Classifications, entry{MessageID: id, ProjectID: pid, Confidence: conf, Reasoning: "fake"})
	}
	raw, _ := json.Marshal(out)
	return llm.Response{
		ToolCalls: []llm.ToolCall{{Name: ToolName, Input: raw}},
		Usage:     llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.InitDB(filepath.Join(t.TempDir(), "classify-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedMessages stores n messages ordered newest first and returns them in
// unclassified listing order.
func seedMessages(t *testing.T, store *sqlite.Store, n int) []domain.Message {
	t.Helper()
	ctx := context.Background()
	src, err := store.UpsertSource(ctx, domain.Source{Type: domain.SourceSlack, ExternalID: "C1", Name: "general"})
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{
			SourceID:   src.ID,
			ExternalID: fmt.Sprintf("ts-%03d", i),
			SenderID:   "U1",
			SenderName: "Aki",
			Body:       fmt.Sprintf("message %d", i),
			BodyPlain:  fmt.Sprintf("message %d", i),
			SentAt:     base.Add(-time.Duration(i) * time.Minute),
		}
	}
	inserted, err := store.UpsertMessages(ctx, msgs)
	require.NoError(t, err)
	require.Equal(t, n, inserted)

	stored, err := store.ListUnclassifiedMessages(ctx, n, 0)
	require.NoError(t, err)
	require.Len(t, stored, n)
	return stored
}

func newProject(t *testing.T, store *sqlite.Store, name string) domain.Project {
	t.Helper()
	p, err := store.CreateProject(context.Background(), domain.Project{Name: name})
	require.NoError(t, err)
	return p
}

func TestRunAppliesOnlyAtOrAboveThreshold(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	msgs := seedMessages(t, store, 2)
	project := newProject(t, store, "Website")

	confidences := map[string]float64{msgs[0].ID: 0.69, msgs[1].ID: 0.70}
	client := &fakeLLM{decide: func(id string) (*string, float64) { return &project.ID, confidences[id] }}
	classifier := NewClassifier(store, NewProcessor(client, ProcessorConfig{}))

	res, err := classifier.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, res.Status)
	assert.Equal(t, 1, res.Classified)

	below, err := store.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, below.ProjectID)
	assert.Empty(t, below.Classification)
	assert.Nil(t, below.Confidence)

	at, err := store.GetMessage(ctx, msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, at.ProjectID)
	assert.Equal(t, domain.ClassificationAuto, at.Classification)
	require.NotNil(t, at.Confidence)
	assert.InDelta(t, 0.70, *at.Confidence, 1e-9)
}

func TestRunCompletesWhenOneBatchExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	msgs := seedMessages(t, store, 45)
	project := newProject(t, store, "Website")

	secondBatchHead := msgs[20].ID
	client := &fakeLLM{
		decide: func(string) (*string, float64) { return &project.ID, 0.9 },
		fail: func(first string) error {
			if first == secondBatchHead {
				return fmt.Errorf("create message: %w", llm.ErrOverloaded)
			}
			return nil
		},
	}
	sleeps := &recordedSleeps{}
	var (
		mu     sync.Mutex
		events []domain.ClassificationProgress
	)
	classifier := NewClassifier(store,
		NewProcessor(client, ProcessorConfig{BatchSize: 20, MaxRetries: 3}, WithSleep(sleeps.sleep)),
		WithProgress(func(p domain.ClassificationProgress) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p)
		}),
	)

	res, err := classifier.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, res.Status)
	assert.Equal(t, 25, res.Processed)
	assert.Equal(t, 25, res.Classified)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sleeps.delays)
	// three batches, three retries of the failing one, then a second round
	// that finds only already-attempted messages and stops
	assert.Equal(t, 6, client.callCount())

	job, err := store.LatestJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 45, job.TotalMessages)
	assert.Equal(t, 25, job.ProcessedMessages)
	assert.NotNil(t, job.CompletedAt)

	left, err := store.CountUnclassifiedMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, left)
	for _, m := range msgs[20:40] {
		got, err := store.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ProjectID, "message %s of the failed batch must stay unclassified", m.ID)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.JobCompleted, last.Status)
	assert.Equal(t, 3, last.TotalBatches)
}

func TestRunTerminatesWhenEverythingScoresLow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedMessages(t, store, 7)
	newProject(t, store, "Website")

	client := &fakeLLM{decide: func(string) (*string, float64) { return nil, 0.2 }}
	classifier := NewClassifier(store, NewProcessor(client, ProcessorConfig{BatchSize: 3}), WithPageSize(4))

	res, err := classifier.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, res.Status)
	assert.Equal(t, 0, res.Classified)
	assert.Equal(t, 7, res.Processed)

	attempted := map[string]int{}
	for _, batch := range client.batches {
		for _, id := range batch {
			attempted[id]++
		}
	}
	assert.Len(t, attempted, 7)
	for id, n := range attempted {
		assert.Equal(t, 1, n, "message %s sent more than once", id)
	}
}

func TestRunGuards(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &fakeLLM{decide: func(string) (*string, float64) { return nil, 0 }}
	classifier := NewClassifier(store, NewProcessor(client, ProcessorConfig{}))

	_, err := classifier.Run(ctx)
	assert.ErrorIs(t, err, ErrNothingToClassify)
	_, err = store.LatestJob(ctx)
	assert.ErrorIs(t, err, sqlite.ErrNotFound, "no job may be created when nothing is unclassified")

	classifier.running.Store(true)
	_, err = classifier.Run(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = classifier.ClassifyOnce(ctx, 10)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunMarksJobFailedOnStorageError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedMessages(t, store, 3)
	project := newProject(t, store, "Website")

	client := &fakeLLM{decide: func(string) (*string, float64) { return &project.ID, 0.9 }}
	failing := &failingApplyStore{Store: store}
	classifier := NewClassifier(failing, NewProcessor(client, ProcessorConfig{}))

	_, err := classifier.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	job, err := store.LatestJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "disk full", job.ErrorMessage)
	assert.False(t, classifier.IsRunning())
}

type failingApplyStore struct {
	*sqlite.Store
}

func (s *failingApplyStore) ApplyAutoClassifications(context.Context, []domain.ClassificationResult) (int, error) {
	return 0, errors.New("disk full")
}

func TestCancelledRunIsNotFailed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedMessages(t, store, 6)
	project := newProject(t, store, "Website")

	var classifier *Classifier
	client := &fakeLLM{decide: func(string) (*string, float64) {
		classifier.Cancel()
		return &project.ID, 0.9
	}}
	classifier = NewClassifier(store, NewProcessor(client, ProcessorConfig{BatchSize: 2}))

	res, err := classifier.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, res.Status)
	assert.Equal(t, 1, client.callCount(), "in-flight batch finishes, later batches are skipped")
	assert.Equal(t, 2, res.Classified)

	job, err := store.LatestJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.Equal(t, 2, job.ProcessedMessages)
}

func TestClassifyOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedMessages(t, store, 5)
	project := newProject(t, store, "Website")

	client := &fakeLLM{decide: func(string) (*string, float64) { return &project.ID, 0.95 }}
	var statuses []domain.JobStatus
	classifier := NewClassifier(store, NewProcessor(client, ProcessorConfig{}),
		WithProgress(func(p domain.ClassificationProgress) { statuses = append(statuses, p.Status) }))

	res, err := classifier.ClassifyOnce(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Classified)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, domain.JobCompleted, res.Status)

	left, err := store.CountUnclassifiedMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	job, err := store.LatestJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 3, job.TotalMessages)
	assert.Equal(t, 3, job.ProcessedMessages)
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobRunning, domain.JobCompleted}, statuses)
}

func TestAssignAndUnassign(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	msgs := seedMessages(t, store, 1)
	project := newProject(t, store, "Website")
	classifier := NewClassifier(store, NewProcessor(&fakeLLM{}, ProcessorConfig{}))

	require.NoError(t, classifier.Assign(ctx, msgs[0].ID, project.ID))
	got, err := store.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, got.ProjectID)
	assert.Equal(t, domain.ClassificationManual, got.Classification)
	require.NotNil(t, got.Confidence)
	assert.Equal(t, 1.0, *got.Confidence)

	require.NoError(t, classifier.Unassign(ctx, msgs[0].ID))
	got, err = store.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.ProjectID)
	assert.Empty(t, got.Classification)
	assert.Nil(t, got.Confidence)

	err = classifier.Assign(ctx, msgs[0].ID, "no-such-project")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestProcessorRetryDelays(t *testing.T) {
	tests := []struct {
		name    string
		errs    []error
		want    []time.Duration
		wantErr bool
	}{
		{
			name: "rate limit uses retry-after",
			errs: []error{&llm.RateLimitError{RetryAfter: 7 * time.Second}},
			want: []time.Duration{7 * time.Second},
		},
		{
			name: "rate limit without hint waits default",
			errs: []error{&llm.RateLimitError{}},
			want: []time.Duration{60 * time.Second},
		},
		{
			name: "overload backs off exponentially",
			errs: []error{llm.ErrOverloaded, llm.ErrOverloaded},
			want: []time.Duration{5 * time.Second, 10 * time.Second},
		},
		{
			name:    "other errors are not retried",
			errs:    []error{errors.New("LLM API error: 400 bad request")},
			wantErr: true,
		},
		{
			name:    "retry budget is bounded",
			errs:    []error{llm.ErrOverloaded, llm.ErrOverloaded, llm.ErrOverloaded, llm.ErrOverloaded},
			want:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remaining := append([]error(nil), tt.errs...)
			client := &fakeLLM{
				decide: func(string) (*string, float64) { return nil, 0.5 },
				fail: func(string) error {
					if len(remaining) == 0 {
						return nil
					}
					err := remaining[0]
					remaining = remaining[1:]
					return err
				},
			}
			sleeps := &recordedSleeps{}
			proc := NewProcessor(client, ProcessorConfig{}, WithSleep(sleeps.sleep))

			var batchErr error
			summary, err := proc.Process(context.Background(), []domain.Message{{ID: "m1"}}, nil, Callbacks{
				OnBatchError: func(_ int, err error) { batchErr = err },
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sleeps.delays)
			assert.Equal(t, tt.wantErr, batchErr != nil)
			assert.Equal(t, 1, summary.Processed)
		})
	}
}

func TestProcessorBatchesAndProgress(t *testing.T) {
	msgs := make([]domain.Message, 45)
	for i := range msgs {
		msgs[i] = domain.Message{ID: fmt.Sprintf("m%02d", i)}
	}
	sizes := []int{}
	for _, b := range Batches(msgs, 20) {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{20, 20, 5}, sizes)
	assert.Empty(t, Batches(nil, 20))

	client := &fakeLLM{decide: func(string) (*string, float64) { return nil, 0.1 }}
	proc := NewProcessor(client, ProcessorConfig{})
	var progress []string
	summary, err := proc.Process(context.Background(), msgs, nil, Callbacks{
		OnProgress: func(done, total int) { progress = append(progress, fmt.Sprintf("%d/%d", done, total)) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, "20/45 40/45 45/45", strings.Join(progress, " "))
}
