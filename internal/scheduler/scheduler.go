// Package scheduler runs the engine's periodic tasks (reconciliation,
// risk enforcement, trailing, partial exits, trading cycles) on
// independent tickers under one supervised group.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"position-risk-engine/internal/metrics"
)

// Task is one periodic job. Run is invoked with a context that carries
// the task timeout; a returned error is logged and the task keeps
// ticking. Only a panic escalates to the whole group.
type Task struct {
	Name       string
	Interval   time.Duration
	Jitter     time.Duration
	Timeout    time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler supervises a fixed set of tasks.
type Scheduler struct {
	tasks   []Task
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a scheduler. metrics may be nil in tests.
func New(tasks []Task, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		metrics: m,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches every task loop. It returns immediately; use Stop to
// shut the loops down and wait for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			return s.runLoop(gctx, task)
		})
	}
	go func() {
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Task loop exited with error")
		}
		close(s.done)
	}()

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
	return nil
}

// Stop cancels all task loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, task Task) error {
	logger := s.logger.With().Str("task", task.Name).Logger()

	if task.Jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(task.Jitter)))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if task.RunAtStart {
		s.runOnce(ctx, task, logger)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, task, logger)
		}
	}
}

// runOnce executes a single tick with timeout and panic recovery. A
// panicking task is treated as a bug worth crashing for; everything
// else is logged and retried on the next tick.
func (s *Scheduler) runOnce(ctx context.Context, task Task, logger zerolog.Logger) {
	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Fatal().Interface("panic", r).Msg("Task panicked")
		}
	}()

	start := time.Now()
	err := task.Run(runCtx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.TaskTicks.WithLabelValues(task.Name).Observe(elapsed.Seconds())
	}
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Task tick failed")
		return
	}
	logger.Debug().Dur("elapsed", elapsed).Msg("Task tick completed")
}
