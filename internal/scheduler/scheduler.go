// Package scheduler runs periodic background tasks. Each task owns a
// goroutine and a ticker; a failing or panicking iteration is logged and
// the task keeps its schedule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Interval    time.Duration
	Func        TaskFunc
	RunOnStart  bool // Run immediately when scheduler starts
	Timeout     time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Interval     time.Duration `json:"interval"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	PanicCount   int64         `json:"panic_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.RWMutex
	logger  *logging.Logger
	metrics *metrics.Registry
	clk     clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	busy    atomic.Bool
	trigger chan struct{}
}

// New creates a new scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		tasks:   make(map[string]*taskEntry),
		logger:  logger.WithComponent("scheduler"),
		metrics: metrics.Get(),
		clk:     clock.Real{},
	}
}

// WithClock sets the clock used for run timestamps and durations.
func (s *Scheduler) WithClock(clk clock.Clock) *Scheduler {
	if clk != nil {
		s.clk = clk
	}
	return s
}

// AddTask registers a task. Tasks added while the scheduler is running
// start immediately.
func (s *Scheduler) AddTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if task.Func == nil {
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task:    task,
		trigger: make(chan struct{}, 1),
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Interval:    task.Interval,
		},
	}
	s.tasks[task.ID] = entry
	s.logger.Info("task added", "id", task.ID, "interval", task.Interval.String())

	if s.running {
		s.startLocked(entry)
	}
	return nil
}

// RunTask asks a task to run now, in its own goroutine. A request while
// one is already pending is coalesced.
func (s *Scheduler) RunTask(id string) error {
	s.mu.RLock()
	entry, exists := s.tasks[id]
	running := s.running
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	if !running {
		return fmt.Errorf("scheduler not running")
	}

	select {
	case entry.trigger <- struct{}{}:
	default:
	}
	return nil
}

// GetStatus returns the status of all tasks.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}

	// Sort by name
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})

	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start launches every task loop. Loops stop when ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, entry := range s.tasks {
		s.startLocked(entry)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) startLocked(entry *taskEntry) {
	s.wg.Add(1)
	go s.loop(s.ctx, entry)
}

// Stop stops the scheduler and waits for running tasks to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, entry *taskEntry) {
	defer s.wg.Done()

	ticker := time.NewTicker(entry.task.Interval)
	defer ticker.Stop()

	if entry.task.RunOnStart {
		s.executeTask(ctx, entry)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeTask(ctx, entry)
		case <-entry.trigger:
			s.executeTask(ctx, entry)
		}
	}
}

// executeTask runs a single iteration. Iterations of one task never
// overlap.
func (s *Scheduler) executeTask(parent context.Context, entry *taskEntry) {
	if !entry.busy.CompareAndSwap(false, true) {
		return
	}
	defer entry.busy.Store(false)

	task := entry.task
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	start := s.clk.Now()
	panicked, err := s.invoke(ctx, task)
	duration := s.clk.Now().Sub(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if panicked {
		entry.status.PanicCount++
	}
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
	} else {
		entry.status.LastError = ""
	}
	s.mu.Unlock()

	s.metrics.RecordTask(task.ID, err)
	if err != nil {
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
}

func (s *Scheduler) invoke(ctx context.Context, task *Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic in task %s: %v", task.ID, r)
		}
	}()
	return false, task.Func(ctx)
}
