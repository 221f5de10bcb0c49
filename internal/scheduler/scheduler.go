// Package scheduler runs repeated scan cycles over the configured host
// profiles. Each cycle scans every profile exactly once with at most
// MaxConcurrentScans scans in flight, and the next cycle does not begin
// until every profile of the current one has produced a terminal result.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/profiles"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/workers"
)

// ResultHandler receives every terminal scan result, one call at a time,
// from the scheduler's control loop.
type ResultHandler interface {
	HandleResult(result scanning.Result)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(result scanning.Result)

// HandleResult implements ResultHandler.
func (f ResultHandlerFunc) HandleResult(result scanning.Result) {
	f(result)
}

// Config holds the scheduler settings.
type Config struct {
	Profiles           []profiles.HostProfile
	MaxConcurrentScans int
	// Interval is the pause between the end of one cycle and the start of
	// the next. Zero starts the next cycle immediately.
	Interval time.Duration
	// Schedule, when set, replaces Interval: the next cycle starts at
	// Schedule.Next(end of previous cycle).
	Schedule    cron.Schedule
	ScanOptions scanning.Options
	// MaxCycles stops the scheduler after that many cycles. Zero runs until Stop.
	MaxCycles uint64
	Logger    *logging.Logger
}

// Stats is a point-in-time view of scheduler progress.
type Stats struct {
	Running           bool          `json:"running"`
	Cycles            uint64        `json:"cycles"`
	CurrentCycle      uint64        `json:"current_cycle"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	LastCycleEnd      time.Time     `json:"last_cycle_end"`
	NextCycle         time.Time     `json:"next_cycle"`
	ActiveScans       int           `json:"active_scans"`
	PendingScans      int           `json:"pending_scans"`
	ScansTotal        uint64        `json:"scans_total"`
	ScanFailures      uint64        `json:"scan_failures"`
}

type completion struct {
	assignment workers.Assignment
	snapshot   *scanning.Snapshot
	err        error
	duration   time.Duration
}

// Scheduler drives scan cycles. The slot pool is touched only by the
// control loop, which receives worker completions over a channel.
type Scheduler struct {
	config   Config
	executor scanning.Executor
	handler  ResultHandler
	pool     *workers.SlotPool
	logger   *logging.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	completions chan completion
	workers     sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	stopOnce sync.Once
	stats    Stats
}

// New creates a scheduler. The profile list must already be validated.
func New(cfg Config, executor scanning.Executor, handler ResultHandler) (*Scheduler, error) {
	if executor == nil {
		return nil, errors.ErrConfigMissing("executor")
	}
	if handler == nil {
		return nil, errors.ErrConfigMissing("handler")
	}
	if cfg.MaxConcurrentScans <= 0 {
		return nil, errors.ErrConfigInvalid("scan.max_concurrent_scans", cfg.MaxConcurrentScans)
	}
	if cfg.Interval < 0 {
		return nil, errors.ErrConfigInvalid("scan.cycle_interval", cfg.Interval)
	}
	if err := profiles.ValidateAll(cfg.Profiles); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:      cfg,
		executor:    executor,
		handler:     handler,
		pool:        workers.NewSlotPool(cfg.MaxConcurrentScans),
		logger:      cfg.Logger.WithComponent("scheduler"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		completions: make(chan completion, cfg.MaxConcurrentScans),
	}, nil
}

// Start launches the control loop. It can be called once.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler has been stopped")
	}

	s.started = true
	s.stats.Running = true
	go s.run()

	s.logger.Info("Scheduler started",
		"hosts", len(s.config.Profiles),
		"max_concurrent_scans", s.config.MaxConcurrentScans,
		"interval", s.config.Interval)
	return nil
}

// Stop cancels in-flight scans, prevents any further cycle and waits for
// the control loop and every worker to return. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		s.cancel()
	})

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	if started {
		<-s.done
	}
}

// Done is closed once the control loop has exited and all workers have
// returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of scheduler progress.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	stats := s.stats
	s.mu.RUnlock()

	stats.ActiveScans = s.pool.Active()
	stats.PendingScans = s.pool.Pending()
	return stats
}

func (s *Scheduler) run() {
	defer close(s.done)
	defer func() {
		s.workers.Wait()
		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()
		metrics.GetGlobalMetrics().SetActiveScans(0)
		s.logger.Info("Scheduler stopped")
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.runCycle(); err != nil {
			s.logger.Error("Scan cycle aborted", "error", err)
			s.cancel()
			return
		}

		s.mu.RLock()
		cycles := s.stats.Cycles
		s.mu.RUnlock()
		if s.config.MaxCycles > 0 && cycles >= s.config.MaxCycles {
			return
		}

		if !s.waitNextCycle() {
			return
		}
	}
}

// runCycle scans every profile once and returns at the cycle barrier.
func (s *Scheduler) runCycle() error {
	start := time.Now()
	cycle, err := s.pool.Begin(s.config.Profiles)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.CurrentCycle = cycle
	s.stats.NextCycle = time.Time{}
	s.mu.Unlock()

	s.logger.Debug("Scan cycle started", "cycle", cycle, "hosts", len(s.config.Profiles))

	assignments := s.pool.Fill()
	for _, a := range assignments {
		s.launch(a)
	}
	metrics.GetGlobalMetrics().SetActiveScans(s.pool.Active())

	stopping := s.ctx.Done()
	for s.pool.Active() > 0 {
		select {
		case c := <-s.completions:
			if stopping != nil && s.ctx.Err() != nil {
				s.interrupt(cycle)
				stopping = nil
			}
			s.deliver(c)

			next, reassigned, _, err := s.pool.Complete(c.assignment.Slot)
			if err != nil {
				return err
			}
			if reassigned {
				s.launch(next)
			}
			metrics.GetGlobalMetrics().SetActiveScans(s.pool.Active())

		case <-stopping:
			s.interrupt(cycle)
			stopping = nil
		}
	}

	if err := s.pool.Check(); err != nil {
		return err
	}

	if s.ctx.Err() != nil {
		return nil
	}

	duration := time.Since(start)
	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastCycleDuration = duration
	s.stats.LastCycleEnd = time.Now()
	s.mu.Unlock()

	metrics.GetGlobalMetrics().RecordCycle(duration)
	s.logger.Info("Scan cycle completed", "cycle", cycle, "duration", duration)
	return nil
}

func (s *Scheduler) interrupt(cycle uint64) {
	dropped := s.pool.Abort()
	s.logger.Debug("Scan cycle interrupted", "cycle", cycle, "dropped", dropped)
}

// launch starts one worker for the assignment. Every worker sends exactly
// one completion, even if the executor panics.
func (s *Scheduler) launch(a workers.Assignment) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		c := completion{assignment: a}
		start := time.Now()
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithHost(a.Profile.Host).Error("Executor panicked", "panic", r, "slot", a.Slot)
					c.snapshot = nil
					c.err = errors.ErrScanFailed(a.Profile.Host, fmt.Errorf("executor panic: %v", r))
				}
			}()
			c.snapshot, c.err = s.executor.Scan(s.ctx, a.Profile, s.config.ScanOptions)
		}()
		c.duration = time.Since(start)

		s.completions <- c
	}()
}

// deliver turns a completion into a Result for the handler. Failures caused
// by shutdown are dropped so that stopping never looks like a host going down.
func (s *Scheduler) deliver(c completion) {
	host := c.assignment.Profile.Host

	if c.err == nil && c.snapshot == nil {
		c.err = errors.ErrScanFailed(host, fmt.Errorf("executor returned no snapshot"))
	}

	s.mu.Lock()
	s.stats.ScansTotal++
	if c.err != nil {
		s.stats.ScanFailures++
	}
	s.mu.Unlock()

	if c.err != nil {
		if s.ctx.Err() != nil || errors.IsCode(c.err, errors.CodeCanceled) {
			s.logger.Debug("Discarding result of canceled scan", "host", host)
			return
		}
		s.logger.ErrorScan("Scan failed", host, c.err, "cycle", c.assignment.Cycle, "slot", c.assignment.Slot)
	}

	result := scanning.Result{
		Profile:  c.assignment.Profile,
		Snapshot: c.snapshot,
		Err:      c.err,
		Cycle:    c.assignment.Cycle,
		Slot:     c.assignment.Slot,
		Duration: c.duration,
	}
	if c.err != nil {
		result.Snapshot = nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Result handler panicked", "host", host, "panic", r)
		}
	}()
	s.handler.HandleResult(result)
}

// waitNextCycle blocks until the next cycle is due. It returns false if
// the scheduler was stopped while waiting. A schedule with no future
// activation waits for Stop.
func (s *Scheduler) waitNextCycle() bool {
	now := time.Now()
	delay := s.config.Interval
	if s.config.Schedule != nil {
		next := s.config.Schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("Cycle schedule has no future activation, scanning paused")
			s.mu.Lock()
			s.stats.NextCycle = time.Time{}
			s.mu.Unlock()
			<-s.ctx.Done()
			return false
		}
		delay = next.Sub(now)
	}

	s.mu.Lock()
	s.stats.NextCycle = now.Add(delay)
	s.mu.Unlock()

	if delay <= 0 {
		return s.ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ParseSchedule parses a standard five-field cron expression. Expressions
// that never fire, such as "0 0 30 2 *", are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "scan.cycle_schedule", expr)
	}
	if schedule.Next(time.Now()).IsZero() {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			"cron expression never fires", "scan.cycle_schedule", expr)
	}
	return schedule, nil
}
