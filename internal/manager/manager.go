// Package manager implements the task manager: bounded admission of
// concurrent downloads, priority ordering, lifecycle operations and
// event dispatch.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/downloader"
	"github.com/astroair/vidtanium/internal/events"
	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/models"
)

// HistoryRecorder persists terminal task outcomes. A nil recorder
// disables persistence.
type HistoryRecorder interface {
	Record(ctx context.Context, record *models.TaskHistory) error
}

// WorkerAdvisor recommends per-task worker counts from observed system
// load.
type WorkerAdvisor interface {
	RecommendWorkers(configured int) int
}

// ErrUnknownTask is returned for operations on task IDs the manager does
// not hold.
var ErrUnknownTask = fmt.Errorf("unknown task")

// queueEntry is one waiting admission request. Paused tasks re-enter the
// queue on resume.
type queueEntry struct {
	task *downloader.Task
}

// Manager owns all live tasks. A single mutex guards the registry and
// the admission queue; task-internal state has its own lock.
type Manager struct {
	cfg     config.DownloadConfig
	storage config.StorageConfig

	client  *httpclient.Client
	merger  downloader.Merger
	bus     *events.Bus
	history HistoryRecorder
	advisor WorkerAdvisor
	logger  *slog.Logger

	mu       sync.Mutex
	tasks    map[models.TaskID]*downloader.Task
	queue    []queueEntry
	running  map[models.TaskID]context.CancelFunc
	closed   bool
	rootCtx  context.Context
	rootStop context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a task manager. The bus may be nil for headless use; the
// history recorder may be nil to disable persistence.
func New(cfg config.DownloadConfig, storage config.StorageConfig, client *httpclient.Client, merger downloader.Merger, bus *events.Bus, history HistoryRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		storage:  storage,
		client:   client,
		merger:   merger,
		bus:      bus,
		history:  history,
		logger:   logger,
		tasks:    make(map[models.TaskID]*downloader.Task),
		running:  make(map[models.TaskID]context.CancelFunc),
		rootCtx:  ctx,
		rootStop: cancel,
	}
}

// Bus returns the event bus for subscriber attachment.
func (m *Manager) Bus() *events.Bus { return m.bus }

// WithWorkerAdvisor attaches a resource-aware worker advisor consulted
// at submission.
func (m *Manager) WithWorkerAdvisor(advisor WorkerAdvisor) *Manager {
	m.advisor = advisor
	return m
}

// Submit enqueues a plan as a new task and immediately tries to admit
// it. The returned ID stays valid until Remove.
func (m *Manager) Submit(plan models.Plan, opts models.SubmitOptions) (models.TaskID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("manager is shut down")
	}

	id := models.NewTaskID()
	if opts.Name != "" {
		plan.Name = opts.Name
	}

	cfg := m.cfg
	if m.advisor != nil {
		cfg.MaxWorkersPerTask = m.advisor.RecommendWorkers(cfg.MaxWorkersPerTask)
	}

	task := downloader.NewTask(id, plan, opts.Priority, cfg,
		m.storage.StagingDir(string(id)), m.client, m.merger, m.bus, m.logger)
	if err := task.MarkQueued(); err != nil {
		return "", err
	}

	m.tasks[id] = task
	m.enqueueLocked(task)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:     events.TypeTaskCreated,
			SourceID: string(id),
			Priority: events.PriorityHigh,
			Payload:  task.Snapshot(),
		})
	}
	m.logger.Info("task submitted",
		slog.String("task_id", string(id)),
		slog.String("name", plan.Name),
		slog.String("priority", opts.Priority.String()),
		slog.Int("segments", plan.SegmentCount()))

	m.scheduleLocked()
	return id, nil
}

// enqueueLocked inserts a task into the admission queue, keeping it
// ordered by (priority desc, submission time asc). Caller holds the
// mutex.
func (m *Manager) enqueueLocked(task *downloader.Task) {
	m.queue = append(m.queue, queueEntry{task: task})
	sort.SliceStable(m.queue, func(i, j int) bool {
		ti, tj := m.queue[i].task, m.queue[j].task
		if ti.Priority() != tj.Priority() {
			return ti.Priority() > tj.Priority()
		}
		return ti.SubmittedAt().Before(tj.SubmittedAt())
	})
}

// scheduleLocked admits queued tasks while running slots are free.
// Caller holds the mutex.
func (m *Manager) scheduleLocked() {
	for len(m.running) < m.cfg.MaxConcurrentTasks && len(m.queue) > 0 {
		entry := m.queue[0]
		m.queue = m.queue[1:]

		task := entry.task
		if task.Status().Terminal() {
			continue
		}

		runCtx, cancel := context.WithCancel(m.rootCtx)
		m.running[task.ID()] = cancel

		m.wg.Add(1)
		go m.runTask(runCtx, task)
	}
}

// runTask drives one admitted task and frees its slot afterwards. A
// panic in task execution is contained: the task is marked failed and
// the slot freed, other tasks are unaffected.
func (m *Manager) runTask(ctx context.Context, task *downloader.Task) {
	defer m.wg.Done()

	var outcome downloader.RunOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("task panicked",
					slog.String("task_id", string(task.ID())),
					slog.Any("panic", r))
				task.Fail(&models.TaskError{
					Kind:         models.ErrorKindDisk,
					SegmentIndex: -1,
					Message:      fmt.Sprintf("internal error: %v", r),
				})
				outcome = downloader.OutcomeFailed
			}
		}()
		outcome = task.Run(ctx)
	}()

	m.mu.Lock()
	if cancel, ok := m.running[task.ID()]; ok {
		cancel()
		delete(m.running, task.ID())
	}
	m.scheduleLocked()
	m.mu.Unlock()

	if outcome != downloader.OutcomePaused {
		m.recordHistory(task)
	}
}

// recordHistory persists a terminal outcome when a recorder is attached.
func (m *Manager) recordHistory(task *downloader.Task) {
	if m.history == nil {
		return
	}
	snap := task.Snapshot()
	if !snap.Status.Terminal() {
		return
	}
	record := models.NewTaskHistory(snap, time.Now())
	if err := m.history.Record(context.Background(), record); err != nil {
		m.logger.Warn("recording task history failed",
			slog.String("task_id", string(snap.ID)),
			slog.String("error", err.Error()))
	}
}

// Pause requests suspension of a running task.
func (m *Manager) Pause(id models.TaskID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	task.Pause()
	return nil
}

// Resume re-queues a paused task for admission.
func (m *Manager) Resume(id models.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status() != models.TaskPaused {
		return fmt.Errorf("task %s is not paused", id)
	}
	for _, entry := range m.queue {
		if entry.task.ID() == id {
			return nil // already waiting for a slot
		}
	}

	task.ClearPause()
	m.enqueueLocked(task)
	m.scheduleLocked()
	return nil
}

// Cancel cancels a task in any non-terminal state. Canceling an already
// terminal task is a no-op, making cancel idempotent.
func (m *Manager) Cancel(id models.TaskID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	_, isRunning := m.running[id]
	m.removeFromQueueLocked(id)
	m.mu.Unlock()

	if task.Status().Terminal() {
		return nil
	}

	task.Cancel()
	if !isRunning {
		// No run loop to observe the flag; finalize directly.
		task.Abort()
		m.recordHistory(task)
	}
	return nil
}

// removeFromQueueLocked drops a task from the admission queue. Caller
// holds the mutex.
func (m *Manager) removeFromQueueLocked(id models.TaskID) {
	for i, entry := range m.queue {
		if entry.task.ID() == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Remove deletes a task record. Non-terminal tasks are canceled first.
func (m *Manager) Remove(id models.TaskID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if !task.Status().Terminal() {
		if err := m.Cancel(id); err != nil {
			return err
		}
		// Wait for a running task to observe cancellation.
		deadline := time.Now().Add(10 * time.Second)
		for !task.Status().Terminal() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id models.TaskID) (models.TaskSnapshot, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return models.TaskSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return task.Snapshot(), nil
}

// List returns a consistent snapshot of all retained tasks, newest
// first.
func (m *Manager) List() []models.TaskSnapshot {
	m.mu.Lock()
	tasks := make([]*downloader.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	snaps := make([]models.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SubmittedAt.After(snaps[j].SubmittedAt)
	})
	return snaps
}

// RunningCount returns the number of admitted tasks.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Close cancels all running tasks and waits for their run loops to
// return. Further submissions are rejected.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	for _, task := range m.tasks {
		task.Cancel()
	}
	m.mu.Unlock()

	m.rootStop()
	m.wg.Wait()
}
