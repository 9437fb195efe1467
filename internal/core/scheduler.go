package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobtab/internal/events"
	"jobtab/internal/logsink"
	"jobtab/internal/notify"
)

// Scheduler drives the timing loop. It is the sole writer of the
// IDLE/terminal -> RUNNING transition: every execution, scheduled or manual,
// goes through claim.
type Scheduler struct {
	store    Store
	executor Executor
	sink     *logsink.Sink
	bus      *events.Bus
	notifier notify.Notifier
	logger   *slog.Logger

	checkInterval time.Duration
	maxConcurrent int

	cron *cron.Cron

	mu       sync.Mutex
	running  map[string]struct{}
	draining bool
	idle     chan struct{} // closed when running drains to zero while draining

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerConfig bundles the knobs owned by the configuration layer.
type SchedulerConfig struct {
	CheckInterval time.Duration
	MaxConcurrent int
}

func NewScheduler(store Store, executor Executor, sink *logsink.Sink, bus *events.Bus, notifier notify.Notifier, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Scheduler{
		store:         store,
		executor:      executor,
		sink:          sink,
		bus:           bus,
		notifier:      notifier,
		logger:        logger,
		checkInterval: cfg.CheckInterval,
		maxConcurrent: cfg.MaxConcurrent,
		running:       make(map[string]struct{}),
	}
}

// Start begins the periodic tick. ctx bounds all background work.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.checkInterval), cron.FuncJob(func() {
		s.tick(s.ctx, time.Now().UTC())
	}))
	s.cron.Start()
	s.logger.Info("scheduler started",
		"check_interval", s.checkInterval, "max_concurrent", s.maxConcurrent)
}

// Recover resets tasks left RUNNING by a previous process so they become
// claimable again. Called once at startup, before the first tick.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status != TaskStatusRunning {
			continue
		}
		status := TaskStatusIdle
		if !task.Enabled {
			status = TaskStatusDisabled
		}
		if err := s.store.SetStatus(ctx, task.ID, StatusUpdate{Status: &status}); err != nil {
			return err
		}
		s.logger.Warn("recovered task left running by a previous process", "task_id", task.ID)
	}
	return nil
}

// Stop halts the tick and waits for in-flight executions up to the grace
// period. Child processes past the grace are left to their timeouts.
func (s *Scheduler) Stop(grace time.Duration) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("scheduler stop timed out with executions in flight")
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// tick scans for due tasks and dispatches as many as the global bound allows.
// A storage error skips the whole tick; nothing is partially claimed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("due-task scan failed, skipping tick", "err", err)
		return
	}

	// Longest overdue first so starvation under a tight bound stays bounded.
	sort.SliceStable(due, func(i, j int) bool {
		ni, nj := due[i].NextRunAt, due[j].NextRunAt
		if ni == nil || nj == nil {
			return ni == nil && nj != nil
		}
		return ni.Before(*nj)
	})

	for _, task := range due {
		if err := s.claim(ctx, task); err != nil {
			// Cap reached: remaining tasks stay due and are retried next
			// tick, never dropped.
			if err == errConcurrencyLimit {
				return
			}
			continue
		}
		s.dispatch(task)
	}
}

var errConcurrencyLimit = fmt.Errorf("max concurrent tasks reached")

// claim atomically transitions a task to RUNNING, granting exclusive
// execution rights. Scheduled ticks and manual runs share this path, so the
// same id can never race into a double execution.
func (s *Scheduler) claim(ctx context.Context, task *Task) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDraining
	}
	if _, ok := s.running[task.ID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(s.running) >= s.maxConcurrent {
		s.mu.Unlock()
		return errConcurrencyLimit
	}
	s.running[task.ID] = struct{}{}
	s.mu.Unlock()

	status := TaskStatusRunning
	if err := s.store.SetStatus(ctx, task.ID, StatusUpdate{Status: &status}); err != nil {
		s.release(task.ID)
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:    events.TypeStatus,
			TaskID:  task.ID,
			Payload: map[string]any{"status": TaskStatusRunning},
		})
	}
	return nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	if s.draining && len(s.running) == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()
}

// dispatch hands the claimed task to the executor on a worker goroutine. The
// blocking wait on the child process is confined here, never to the tick.
func (s *Scheduler) dispatch(task *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(task.ID)

		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		outcome := s.executor.Execute(ctx, task)
		if outcome.Status == TaskStatusFailed || outcome.Status == TaskStatusException {
			title := fmt.Sprintf("task %s %s", task.ID, outcome.Status)
			if err := s.notifier.Send(ctx, title, outcome.Message); err != nil {
				s.logger.Warn("failure notification", "task_id", task.ID, "err", err)
			}
		}
	}()
}

// RunNow executes the claim protocol outside the timer. It reports whether
// the execution started; when the concurrency cap is saturated it returns
// false and makes the task due immediately instead, so the next tick picks it
// up as soon as a slot frees: manual runs saturate, they don't jump the cap.
func (s *Scheduler) RunNow(ctx context.Context, id string) (bool, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	err = s.claim(ctx, task)
	switch err {
	case nil:
		s.sink.Append(task.ID, logsink.LevelInfo, "manual run requested")
		s.dispatch(task)
		return true, nil
	case errConcurrencyLimit:
		now := time.Now().UTC()
		s.sink.Append(task.ID, logsink.LevelWarning,
			"manual run queued: concurrency limit reached")
		return false, s.store.SetStatus(ctx, id, StatusUpdate{NextRunAt: &now})
	default:
		return false, err
	}
}

// RunningCount returns the number of in-flight executions.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Drain blocks new claims and waits for in-flight executions to finish. Used
// before switching the storage backend so no write lands on the wrong store.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	if len(s.running) == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := make(chan struct{})
	s.idle = idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lifts a drain.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.draining = false
	s.idle = nil
	s.mu.Unlock()
}
