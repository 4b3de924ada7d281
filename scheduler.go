package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const (
	defaultSchedulerInterval = 30 * time.Second
	defaultSchedulerBatch    = 50
)

// RetryScheduler periodically scans the store for due work and re-drives
// it through the engine: parked step retries on RUNNING workflows, and
// FAILED workflows whose automatic retry window has elapsed. A single
// item's failure never stops the sweep.
type RetryScheduler struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   Logger

	mu       sync.Mutex
	cron     *rcron.Cron
	spec     string
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	location *time.Location
}

// SchedulerOption configures a RetryScheduler.
type SchedulerOption func(*RetryScheduler)

// WithSchedulerInterval sets the fixed sweep interval.
func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *RetryScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerCron runs sweeps on a cron expression instead of a fixed
// interval.
func WithSchedulerCron(spec string) SchedulerOption {
	return func(s *RetryScheduler) { s.spec = strings.TrimSpace(spec) }
}

// WithSchedulerBatch caps how many due workflows one sweep processes.
func WithSchedulerBatch(limit int) SchedulerOption {
	return func(s *RetryScheduler) {
		if limit > 0 {
			s.batch = limit
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *RetryScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerLocation sets the timezone used for cron expressions.
func WithSchedulerLocation(loc *time.Location) SchedulerOption {
	return func(s *RetryScheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewRetryScheduler builds a scheduler over the engine.
func NewRetryScheduler(engine *Engine, opts ...SchedulerOption) (*RetryScheduler, error) {
	if engine == nil {
		return nil, errors.New("scheduler requires an engine")
	}
	s := &RetryScheduler{
		engine:   engine,
		interval: defaultSchedulerInterval,
		batch:    defaultSchedulerBatch,
		logger:   engine.logger,
		location: time.Local,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start begins sweeping in the background until ctx is cancelled or Stop
// is called.
func (s *RetryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if s.spec != "" {
		c := rcron.New(rcron.WithLocation(s.location))
		if _, err := c.AddFunc(s.spec, func() { s.sweep(runCtx) }); err != nil {
			s.running = false
			cancel()
			return err
		}
		s.cron = c
		c.Start()
		go func() {
			defer close(s.done)
			<-runCtx.Done()
			stopped := c.Stop()
			<-stopped.Done()
		}()
		return nil
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()
	return nil
}

// Stop halts sweeping and waits for the in-flight sweep to finish.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ProcessRetryQueue runs one sweep immediately and reports how many due
// workflows were re-driven.
func (s *RetryScheduler) ProcessRetryQueue(ctx context.Context) (int, error) {
	return s.sweep(ctx)
}

func (s *RetryScheduler) sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	processed := 0

	stepIDs, err := s.engine.store.ListDueStepRetries(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("retry sweep: listing due step retries: %v", err)
		return processed, err
	}
	for _, id := range stepIDs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := s.engine.Resume(ctx, id); err != nil {
			// Claim races and state drift are expected between sweep
			// and resume; everything else is logged and skipped.
			loggerWith(s.logger, map[string]any{"workflow_id": id}).Warn("retry sweep: resume: %v", err)
			continue
		}
		processed++
	}

	wfIDs, err := s.engine.store.ListDueWorkflowRetries(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("retry sweep: listing due workflow retries: %v", err)
		return processed, err
	}
	for _, id := range wfIDs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := s.engine.retryDue(ctx, id); err != nil {
			loggerWith(s.logger, map[string]any{"workflow_id": id}).Warn("retry sweep: retry: %v", err)
			continue
		}
		processed++
	}
	return processed, nil
}
