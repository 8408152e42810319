// Package scheduler runs matrix jobs with bounded concurrency and streams
// their results as they complete.
package scheduler

import (
	"context"
	"sync"

	"github.com/opnlabs/dotmatrix/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes a single job. It must return a result for every spec it
// is given, also when ctx is done.
type Runner interface {
	Run(ctx context.Context, spec models.JobSpec) models.JobResult
}

type state int

const (
	queued state = iota
	running
	done
)

type entry struct {
	ctx    context.Context
	cancel context.CancelFunc
	state  state
}

type Stats struct {
	Limit         int
	Started       int
	Completed     int
	Cancelled     int
	MaxConcurrent int
}

// Scheduler admits jobs in input order and never runs more than its limit
// at once. A Scheduler runs one pipeline.
type Scheduler struct {
	runner Runner
	limit  int
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	active  int
	stats   Stats
}

// New returns a scheduler for at most limit concurrent jobs. A limit below
// one is treated as one.
func New(runner Runner, limit int, logger *zap.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:  runner,
		limit:   limit,
		logger:  logger,
		entries: make(map[string]*entry),
		stats:   Stats{Limit: limit},
	}
}

// Run starts the jobs and returns a channel that yields exactly one result
// per spec, in completion order, and is closed after the last one.
// Cancelling ctx aborts the pipeline: running jobs are cancelled and queued
// jobs are reported as cancelled without running.
func (s *Scheduler) Run(ctx context.Context, specs []models.JobSpec) <-chan models.JobResult {
	results := make(chan models.JobResult, len(specs))

	entries := make([]*entry, len(specs))
	s.mu.Lock()
	for i, spec := range specs {
		jobCtx, cancel := context.WithCancel(ctx)
		entries[i] = &entry{ctx: jobCtx, cancel: cancel}
		s.entries[spec.ID] = entries[i]
	}
	s.mu.Unlock()

	go func() {
		defer close(results)

		g := new(errgroup.Group)
		g.SetLimit(s.limit)
		for i, spec := range specs {
			e := entries[i]
			if e.ctx.Err() != nil {
				results <- s.skip(e, spec)
				continue
			}
			g.Go(func() error {
				if !s.start(e) {
					results <- s.skip(e, spec)
					return nil
				}
				s.logger.Debug("job admitted", zap.String("job", spec.ID))
				res := s.runner.Run(e.ctx, spec)
				s.finish(e, res)
				results <- res
				return nil
			})
		}
		g.Wait()
	}()

	return results
}

// Cancel stops one job. A queued job is reported as cancelled without
// running; a running job is asked to stop. It returns false for unknown or
// finished jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || e.state == done {
		return false
	}
	s.logger.Info("cancelling job", zap.String("job", jobID))
	e.cancel()
	return true
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) start(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ctx.Err() != nil {
		return false
	}
	e.state = running
	s.active++
	s.stats.Started++
	if s.active > s.stats.MaxConcurrent {
		s.stats.MaxConcurrent = s.active
	}
	return true
}

func (s *Scheduler) finish(e *entry, res models.JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state = done
	e.cancel()
	s.active--
	s.stats.Completed++
	if res.Status == models.StatusCancelled {
		s.stats.Cancelled++
	}
}

func (s *Scheduler) skip(e *entry, spec models.JobSpec) models.JobResult {
	s.mu.Lock()
	e.state = done
	e.cancel()
	s.stats.Cancelled++
	s.mu.Unlock()

	s.logger.Debug("job cancelled before start", zap.String("job", spec.ID))
	res := models.NewJobResult(spec)
	res.Status = models.StatusCancelled
	res.Incomplete = true
	res.ExitCode = -1
	res.Error = models.ErrCancelled.Error()
	return res
}
