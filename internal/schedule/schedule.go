// Package schedule runs sync and classification on cron expressions.
package schedule

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"messageagent/internal/config"

	"github.com/robfig/cron/v3"
)

// Runner executes one scheduled run and returns a one-line summary.
type Runner interface {
	Sync(ctx context.Context) (string, error)
	Classify(ctx context.Context) (string, error)
}

type Job struct {
	Name     string
	Spec     string
	schedule cron.Schedule
	run      func(ctx context.Context) (string, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Plan parses the configured expressions. An empty expression disables its
// job and an invalid one is logged and disabled.
func Plan(cfg config.Config, runner Runner) []Job {
	var jobs []Job
	for _, j := range []struct {
		name string
		spec string
		run  func(context.Context) (string, error)
	}{
		{"sync", cfg.SyncSchedule, runner.Sync},
		{"classify", cfg.ClassifySchedule, runner.Classify},
	} {
		spec := strings.TrimSpace(j.spec)
		if spec == "" {
			log.Printf("schedule %s disabled (no expression)", j.name)
			continue
		}
		sched, err := parser.Parse(spec)
		if err != nil {
			log.Printf("schedule %s invalid expression %q, disabled: %v", j.name, spec, err)
			continue
		}
		log.Printf("schedule %s enabled cron=%q", j.name, spec)
		jobs = append(jobs, Job{Name: j.name, Spec: spec, schedule: sched, run: j.run})
	}
	return jobs
}

type scheduler struct {
	loc   *time.Location
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Start runs every planned job in its own loop until ctx is done and returns
// a function that waits for the loops to exit. A run that overlaps the next
// tick simply makes the loop skip that tick.
func Start(ctx context.Context, cfg config.Config, runner Runner) (jobs []Job, wait func()) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s := scheduler{loc: loc, now: time.Now, after: time.After}
	return s.start(ctx, Plan(cfg, runner))
}

func (s scheduler) start(ctx context.Context, jobs []Job) ([]Job, func()) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	return jobs, wg.Wait
}

func (s scheduler) loop(ctx context.Context, job Job) {
	for {
		now := s.now().In(s.loc)
		next := job.schedule.Next(now)
		wait := next.Sub(now)
		log.Printf("schedule %s next=%s in=%s", job.Name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
		if ctx.Err() != nil {
			return
		}

		summary, err := job.run(ctx)
		if err != nil {
			log.Printf("schedule %s error: %v", job.Name, err)
			continue
		}
		log.Printf("schedule %s complete: %s", job.Name, summary)
	}
}
