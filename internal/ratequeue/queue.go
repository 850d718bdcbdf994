// Package ratequeue serializes work that shares one external request budget.
package ratequeue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPriority is used for ordinary sync traffic. Lower runs sooner.
const DefaultPriority = 10

var ErrCleared = errors.New("queue cleared")

type Task func(ctx context.Context) (any, error)

type result struct {
	val any
	err error
}

type item struct {
	ctx      context.Context
	task     Task
	priority int
	seq      uint64
	done     chan result
}

// Queue dispatches one task at a time, spacing dispatches at least
// 60s/requestsPerMinute apart.
type Queue struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter

	mu         sync.Mutex
	pending    []*item
	seq        uint64
	processing bool
}

func New(name string, requestsPerMinute int) *Queue {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	interval := time.Minute / time.Duration(requestsPerMinute)
	return &Queue{
		name:     name,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Interval() time.Duration { return q.interval }

// Enqueue waits for task to be dispatched and returns its outcome unchanged.
// If ctx ends while the task is still pending it is withdrawn and ctx.Err()
// is returned; once dispatched, the task receives ctx and runs to completion.
func (q *Queue) Enqueue(ctx context.Context, priority int, task Task) (any, error) {
	it := &item{ctx: ctx, task: task, priority: priority, done: make(chan result, 1)}

	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].priority > priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = it
	if !q.processing {
		q.processing = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case res := <-it.done:
		return res.val, res.err
	case <-ctx.Done():
		if q.remove(it) {
			return nil, ctx.Err()
		}
		// Already dispatched: the task owns ctx now, wait for it.
		res := <-it.done
		return res.val, res.err
	}
}

// Do is the typed form of Enqueue.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(context.Context) (T, error)) (T, error) {
	val, err := q.Enqueue(ctx, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := val.(T)
	return v, nil
}

// Clear fails every pending task with ErrCleared. A dispatched task is not
// interrupted.
func (q *Queue) Clear() int {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range pending {
		it.done <- result{err: ErrCleared}
	}
	if len(pending) > 0 {
		log.Printf("queue %s cleared pending=%d", q.name, len(pending))
	}
	return len(pending)
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) remove(target *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.pending {
		if it == target {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		// Throttle before picking the head so that a higher priority item
		// enqueued during the wait is dispatched first.
		_ = q.limiter.Wait(context.Background())

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		it.done <- q.dispatch(it)
	}
}

func (q *Queue) dispatch(it *item) (res result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue %s task panic: %v", q.name, r)
			res = result{err: fmt.Errorf("queue %s: task panicked: %v", q.name, r)}
		}
	}()
	val, err := it.task(it.ctx)
	return result{val: val, err: err}
}
