// Package schedule runs the engine's named recurring tasks: the trading
// loop, status reporting, and per-symbol market data refresh. Tasks never
// overlap with themselves and a panicking or failing task never takes the
// scheduler down.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is one recurring job. Run errors are logged and swallowed.
type Task struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler wraps a cron runner with the overlap and recovery guarantees the
// engine needs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "scheduler").Logger()
	adapter := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(adapter),
			cron.DelayIfStillRunning(adapter),
		)),
		log: log,
	}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(task Task) error {
	if task.Interval <= 0 {
		return fmt.Errorf("schedule: task %q needs a positive interval", task.Name)
	}
	if task.Run == nil {
		return fmt.Errorf("schedule: task %q has no body", task.Name)
	}

	spec := fmt.Sprintf("@every %s", task.Interval)
	_, err := s.cron.AddFunc(spec, func() { s.run(task) })
	if err != nil {
		return fmt.Errorf("schedule: add %q: %w", task.Name, err)
	}
	return nil
}

func (s *Scheduler) run(task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.log.Warn().
			Err(err).
			Str("task", task.Name).
			Dur("elapsed", time.Since(start)).
			Msg("task failed")
		return
	}
	s.log.Debug().
		Str("task", task.Name).
		Dur("elapsed", time.Since(start)).
		Msg("task done")
}

// Start launches the cron runner. Tasks marked Immediate get one synchronous
// run first so the engine has data before the first interval elapses.
func (s *Scheduler) Start(ctx context.Context, tasks []Task) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("schedule: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	for _, task := range tasks {
		if err := s.Add(task); err != nil {
			return err
		}
	}
	for _, task := range tasks {
		if task.Immediate {
			s.run(task)
		}
	}

	s.cron.Start()
	s.log.Info().Int("tasks", len(tasks)).Msg("scheduler started")
	return nil
}

// Stop cancels the task context and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// cronLogger adapts zerolog to cron's logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
