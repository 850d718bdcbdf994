package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/chatwork"
	slackapi "messageagent/internal/integrations/slack"
	"messageagent/internal/ratequeue"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNoActiveSources = errors.New("no active sources")
	ErrSyncInProgress  = errors.New("sync already in progress")
)

// Store is the slice of persistence the engine needs.
type Store interface {
	EnsureSyncState(ctx context.Context, sourceID string) error
	GetSyncState(ctx context.Context, sourceID string) (domain.SyncState, error)
	UpdateSyncStatus(ctx context.Context, sourceID string, status domain.SyncStatus, errMsg string) error
	MarkSynced(ctx context.Context, sourceID string, at time.Time) error
	UpdateLastMessageID(ctx context.Context, sourceID, externalID string) error
	UpdateCursor(ctx context.Context, sourceID, cursor string) error
	ResetStaleSyncing(ctx context.Context) (int64, error)
	UpsertMessages(ctx context.Context, msgs []domain.Message) (int, error)
	UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error)
	ListActiveSources(ctx context.Context) ([]domain.Source, error)
}

type ChatworkAPI interface {
	GetRooms(ctx context.Context) ([]chatwork.Room, error)
	GetMessages(ctx context.Context, roomID string, force bool) ([]chatwork.Message, error)
}

type SlackAPI interface {
	GetHistory(ctx context.Context, channelID, oldest, cursor string) (slackapi.HistoryPage, error)
	GetChannels(ctx context.Context, cursor string) (slackapi.ChannelPage, error)
	UserNames(ctx context.Context) (map[string]string, error)
}

// Queues holds one rate-limited queue per platform budget.
type Queues struct {
	Chatwork *ratequeue.Queue
	Slack    *ratequeue.Queue
}

type Option func(*Engine)

// WithProgress registers a progress callback. It may be called from several
// goroutines at once.
func WithProgress(fn func(domain.SyncProgress)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

func WithOnComplete(fn func(sourceID string, newMessages int)) Option {
	return func(e *Engine) { e.onComplete = fn }
}

func WithOnError(fn func(sourceID string, err error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithSlackUserNames resolves Slack sender names through users.list.
func WithSlackUserNames(enabled bool) Option {
	return func(e *Engine) { e.resolveSlackNames = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	store    Store
	chatwork ChatworkAPI
	slack    SlackAPI
	queues   Queues

	resolveSlackNames bool
	onProgress        func(domain.SyncProgress)
	onComplete        func(string, int)
	onError           func(string, error)
	now               func() time.Time

	running atomic.Bool
}

// NewEngine wires the engine. A nil chatwork or slack client makes sources of
// that type fail with a "not configured" error.
func NewEngine(store Store, cw ChatworkAPI, sl SlackAPI, queues Queues, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		chatwork: cw,
		slack:    sl,
		queues:   queues,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queues.Chatwork == nil {
		e.queues.Chatwork = ratequeue.New("chatwork", 20)
	}
	if e.queues.Slack == nil {
		e.queues.Slack = ratequeue.New("slack", 1)
	}
	return e
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Stop fails every request still waiting in the platform queues. Requests
// already sent finish normally.
func (e *Engine) Stop() {
	cw := e.queues.Chatwork.Clear()
	sl := e.queues.Slack.Clear()
	log.Printf("sync stop cleared chatwork=%d slack=%d", cw, sl)
}

// RunSync syncs every active source.
func (e *Engine) RunSync(ctx context.Context) (Summary, error) {
	sources, err := e.store.ListActiveSources(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list active sources: %w", err)
	}
	if len(sources) == 0 {
		return Summary{}, ErrNoActiveSources
	}
	return e.SyncAll(ctx, sources)
}

// SyncAll syncs the active sources concurrently and waits for every one of
// them to settle. A failing source never cancels its siblings.
func (e *Engine) SyncAll(ctx context.Context, sources []domain.Source) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	if n, err := e.store.ResetStaleSyncing(ctx); err != nil {
		log.Printf("sync reset stale states error: %v", err)
	} else if n > 0 {
		log.Printf("sync reset stale states count=%d", n)
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		summary Summary
	)
	for _, src := range sources {
		if !src.IsActive {
			continue
		}
		summary.Sources++
		g.Go(func() error {
			n, err := e.SyncSource(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				return nil
			}
			summary.Synced++
			summary.NewMessages += n
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(summary.Errors)
	log.Printf("sync all sources=%d synced=%d new=%d errors=%d", summary.Sources, summary.Synced, summary.NewMessages, len(summary.Errors))
	return summary, nil
}

// SyncSource pulls everything newer than the source's cursor and returns the
// number of newly stored messages. On failure the source is left in error
// state with "[type] name: cause" and the same text is returned.
func (e *Engine) SyncSource(ctx context.Context, src domain.Source) (int, error) {
	if err := e.store.EnsureSyncState(ctx, src.ID); err != nil {
		return 0, err
	}
	state, err := e.store.GetSyncState(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpdateSyncStatus(ctx, src.ID, domain.SyncSyncing, ""); err != nil {
		return 0, err
	}
	e.emit(domain.SyncProgress{SourceID: src.ID, SourceName: src.Name, Status: domain.SyncSyncing, HasMore: true})

	n, syncErr := e.runStrategy(ctx, src, state)

	// Final state writes must land even if ctx was cancelled mid-sync.
	final := context.WithoutCancel(ctx)
	at := e.now()
	if syncErr == nil {
		if err := e.store.MarkSynced(final, src.ID, at); err != nil {
			syncErr = fmt.Errorf("mark synced: %w", err)
		}
	}
	if syncErr != nil {
		err := fmt.Errorf("[%s] %s: %w", src.Type, src.Name, syncErr)
		if uerr := e.store.UpdateSyncStatus(final, src.ID, domain.SyncError, err.Error()); uerr != nil {
			log.Printf("sync status write failed source=%s: %v", src.ID, uerr)
		}
		log.Printf("sync source=%s type=%s error: %v", src.ID, src.Type, syncErr)
		e.emit(domain.SyncProgress{SourceID: src.ID, SourceName: src.Name, Status: domain.SyncError, Error: err.Error(), LastSyncedAt: state.LastSyncedAt})
		if e.onError != nil {
			e.onError(src.ID, err)
		}
		return 0, err
	}

	log.Printf("sync source=%s type=%s name=%q new=%d", src.ID, src.Type, src.Name, n)
	e.emit(domain.SyncProgress{SourceID: src.ID, SourceName: src.Name, Status: domain.SyncIdle, Fetched: n, LastSyncedAt: &at})
	if e.onComplete != nil {
		e.onComplete(src.ID, n)
	}
	return n, nil
}

type strategy func(ctx context.Context, src domain.Source, state domain.SyncState) (int, error)

func (e *Engine) strategyFor(t domain.SourceType) (strategy, error) {
	switch t {
	case domain.SourceChatwork:
		if e.chatwork == nil {
			return nil, errors.New("Chatwork client not configured")
		}
		return e.syncChatwork, nil
	case domain.SourceSlack:
		if e.slack == nil {
			return nil, errors.New("Slack client not configured")
		}
		return e.syncSlack, nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", t)
	}
}

func (e *Engine) runStrategy(ctx context.Context, src domain.Source, state domain.SyncState) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	run, err := e.strategyFor(src.Type)
	if err != nil {
		return 0, err
	}
	return run(ctx, src, state)
}

func (e *Engine) emit(p domain.SyncProgress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}
