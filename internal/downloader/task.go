package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/events"
	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/models"
)

// Merger produces the final artifact from ordered staged segments.
type Merger interface {
	Merge(ctx context.Context, segmentPaths []string, outputPath string) error
}

// RunOutcome is what a run loop ended with; the manager frees or keeps
// the admission slot accordingly.
type RunOutcome int

const (
	// OutcomeCompleted means the task merged successfully.
	OutcomeCompleted RunOutcome = iota
	// OutcomeFailed means the task hit an unrecoverable error.
	OutcomeFailed
	// OutcomePaused means dispatch stopped with segments remaining.
	OutcomePaused
	// OutcomeCanceled means the task was canceled mid-run.
	OutcomeCanceled
)

// StatusChange is the payload of task.status_changed events.
type StatusChange struct {
	From models.TaskStatus `json:"from"`
	To   models.TaskStatus `json:"to"`
}

// Task drives one plan to completion. All state transitions are
// serialized behind the task mutex; segment fetches run on a bounded
// worker pool.
type Task struct {
	id          models.TaskID
	name        string
	priority    models.Priority
	submittedAt time.Time

	cfg        config.DownloadConfig
	stagingDir string

	client  *httpclient.Client
	fetcher *Fetcher
	merger  Merger
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	status  models.TaskStatus
	plan    models.Plan // task-owned copy; segment states mutate here
	taskErr *models.TaskError
	key     []byte // fetched once per key URI, then read-only

	pause     pauseFlag
	canceled  pauseFlag // reused flag type; edge-triggered cancel token
	cancelRun context.CancelFunc

	speed           *speedTracker
	downloadedBytes int64 // guarded by mu
}

// NewTask creates a task in Created state owning a copy of the plan.
func NewTask(id models.TaskID, plan models.Plan, priority models.Priority, cfg config.DownloadConfig, stagingDir string, client *httpclient.Client, merger Merger, bus *events.Bus, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	planCopy := plan
	planCopy.Segments = make([]models.Segment, len(plan.Segments))
	copy(planCopy.Segments, plan.Segments)

	return &Task{
		id:          id,
		name:        plan.Name,
		priority:    priority,
		submittedAt: time.Now(),
		cfg:         cfg,
		stagingDir:  stagingDir,
		client:      client,
		fetcher:     NewFetcher(client, logger),
		merger:      merger,
		bus:         bus,
		logger:      logger.With(slog.String("task_id", string(id))),
		status:      models.TaskCreated,
		plan:        planCopy,
		speed:       newSpeedTracker(),
	}
}

// ID returns the task identifier.
func (t *Task) ID() models.TaskID { return t.id }

// Priority returns the admission priority class.
func (t *Task) Priority() models.Priority { return t.priority }

// SubmittedAt returns the submission time used for FIFO-within-class
// ordering.
func (t *Task) SubmittedAt() time.Time { return t.submittedAt }

// Status returns the current lifecycle state.
func (t *Task) Status() models.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// MarkQueued transitions Created -> Queued at submission.
func (t *Task) MarkQueued() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(models.TaskQueued)
}

// transitionLocked validates and applies a state transition, emitting
// the status change event. Caller holds the mutex.
func (t *Task) transitionLocked(to models.TaskStatus) error {
	from := t.status
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	t.status = to

	priority := events.PriorityHigh
	if to == models.TaskFailed {
		priority = events.PriorityCritical
	}
	t.publish(events.Event{
		Type:     events.TypeTaskStatusChanged,
		SourceID: string(t.id),
		Priority: priority,
		Payload:  StatusChange{From: from, To: to},
	})
	return nil
}

// publish sends an event if a bus is attached.
func (t *Task) publish(ev events.Event) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}

// Pause requests suspension: in-flight fetches complete and stage their
// files, no new fetches are dispatched, and the task transitions to
// Paused once the in-flight set drains.
func (t *Task) Pause() {
	t.pause.Set(true)
}

// ClearPause re-arms dispatch before a resume run.
func (t *Task) ClearPause() {
	t.pause.Set(false)
}

// Cancel requests cancellation. In-flight fetches abort at their next
// I/O suspension point. For tasks that are not running the caller (the
// manager) is responsible for invoking Abort to finalize state.
func (t *Task) Cancel() {
	t.canceled.Set(true)
	t.mu.Lock()
	cancel := t.cancelRun
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Canceled reports whether cancellation was requested.
func (t *Task) Canceled() bool {
	return t.canceled.Paused()
}

// Abort finalizes cancellation for a task with no active run loop
// (Created, Queued or Paused).
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	if err := t.transitionLocked(models.TaskCanceled); err != nil {
		return
	}
	t.cleanupStagingLocked(true)
}

// Fail marks the task failed from outside the run loop (admission-time
// errors such as a failed analysis).
func (t *Task) Fail(taskErr *models.TaskError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.taskErr = taskErr
	if t.status != models.TaskRunning {
		// Walk through Running so the transition stays legal.
		if err := t.transitionLocked(models.TaskRunning); err != nil {
			return
		}
	}
	_ = t.transitionLocked(models.TaskFailed)
	t.publishFailure()
}

// Snapshot returns a consistent view of status and progress.
func (t *Task) Snapshot() models.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := models.TaskSnapshot{
		ID:          t.id,
		Name:        t.name,
		Status:      t.status,
		Priority:    t.priority,
		SubmittedAt: t.submittedAt,
		Progress:    t.progressLocked(),
		Error:       t.taskErr,
	}
	if t.status == models.TaskCompleted {
		snap.OutputPath = t.plan.OutputPath
	}
	return snap
}

// progressLocked derives progress from segment states. Caller holds the
// mutex.
func (t *Task) progressLocked() models.Progress {
	completed := 0
	for i := range t.plan.Segments {
		if t.plan.Segments[i].State == models.SegmentDone {
			completed++
		}
	}

	p := models.Progress{
		CompletedSegments: completed,
		TotalSegments:     len(t.plan.Segments),
		DownloadedBytes:   t.downloadedBytes,
		SpeedBps:          t.speed.Speed(),
	}

	// Extrapolate total size from the mean staged segment size.
	if completed > 0 {
		p.TotalBytesEstimate = t.downloadedBytes / int64(completed) * int64(len(t.plan.Segments))
		p.ETA = eta(p.TotalBytesEstimate-t.downloadedBytes, p.SpeedBps)
	}
	return p
}

// Run executes the task until it completes, fails, pauses or is
// canceled. It must only be called for tasks in Queued or Paused state;
// the manager serializes calls.
func (t *Task) Run(ctx context.Context) RunOutcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if err := t.transitionLocked(models.TaskRunning); err != nil {
		t.mu.Unlock()
		t.logger.Error("refusing run", slog.String("error", err.Error()))
		return OutcomeFailed
	}
	t.cancelRun = cancel
	t.mu.Unlock()

	if outcome, done := t.prepare(runCtx); done {
		return outcome
	}

	t.dispatch(runCtx)

	return t.finish(runCtx)
}

// prepare creates the staging directory, restores prior progress, and
// fetches the decryption key. Returns a terminal outcome when setup
// fails.
func (t *Task) prepare(ctx context.Context) (RunOutcome, bool) {
	if err := os.MkdirAll(t.stagingDir, 0o755); err != nil {
		return t.failWith(&models.TaskError{
			Kind:         models.ErrorKindDisk,
			SegmentIndex: -1,
			Message:      fmt.Sprintf("creating staging directory: %v", err),
		}), true
	}

	t.mu.Lock()
	restored := restoreSegments(t.stagingDir, t.plan.Segments)
	var restoredBytes int64
	for i := range t.plan.Segments {
		if t.plan.Segments[i].State == models.SegmentDone {
			restoredBytes += t.plan.Segments[i].Size
		}
	}
	t.downloadedBytes = restoredBytes
	needKey := t.plan.Encryption.Encrypted() && t.key == nil
	keyURI := t.plan.Encryption.KeyURI
	t.mu.Unlock()

	if restored > 0 {
		t.logger.Info("restored staged segments", slog.Int("count", restored))
	}

	// The key is fetched before any segment dispatch, exactly once per
	// task; the client retries transient failures internally.
	if needKey {
		key, err := t.client.Fetch(ctx, keyURI)
		if err != nil {
			return t.failWith(&models.TaskError{
				Kind:         models.ErrorKindCrypto,
				SegmentIndex: -1,
				Message:      fmt.Sprintf("fetching key: %v", err),
			}), true
		}
		if len(key) != 16 {
			return t.failWith(&models.TaskError{
				Kind:         models.ErrorKindCrypto,
				SegmentIndex: -1,
				Message:      fmt.Sprintf("key must be 16 bytes, got %d", len(key)),
			}), true
		}
		t.mu.Lock()
		t.key = key
		t.mu.Unlock()
		t.logger.Debug("decryption key cached")
	}

	return 0, false
}

// dispatch feeds pending segments to the worker pool in index order
// until the plan drains, pause or cancel is requested, or a segment
// terminally fails.
func (t *Task) dispatch(ctx context.Context) {
	workers := t.cfg.MaxWorkersPerTask
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range t.plan.Segments {
		t.mu.Lock()
		state := t.plan.Segments[i].State
		failed := t.taskErr != nil
		t.mu.Unlock()

		if state == models.SegmentDone || failed || t.canceled.Paused() || t.pause.Paused() {
			if state != models.SegmentDone {
				break
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		t.mu.Lock()
		t.plan.Segments[i].State = models.SegmentInFlight
		t.mu.Unlock()

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()
			t.runSegment(ctx, index)
		}(i)
	}

	wg.Wait()
}

// runSegment drives the retry loop of one segment: up to MaxRetries
// attempts with jittered exponential backoff.
func (t *Task) runSegment(ctx context.Context, index int) {
	t.mu.Lock()
	seg := t.plan.Segments[index] // working copy
	key := t.key
	enc := t.plan.Encryption
	t.mu.Unlock()

	for {
		if ctx.Err() != nil || t.canceled.Paused() {
			t.setSegmentState(index, models.SegmentPending, 0)
			return
		}

		seg.Attempts++
		res := t.fetcher.Fetch(ctx, &seg, t.stagingDir, key, enc, &t.pause)

		switch res.Kind {
		case FetchOk:
			t.completeSegment(index, seg.Attempts, res.Bytes)
			return

		case FetchPaused:
			t.setSegmentState(index, models.SegmentPending, seg.Attempts-1)
			return

		case FetchTerminal:
			t.failSegment(index, seg.Attempts, res.ErrorKind, res.Err)
			return

		case FetchRetryable:
			if seg.Attempts >= t.cfg.MaxRetries {
				t.failSegment(index, seg.Attempts, models.ErrorKindTransientExhausted, res.Err)
				return
			}
			t.logger.Debug("segment attempt failed",
				slog.Int("segment", index),
				slog.Int("attempt", seg.Attempts),
				slog.String("error", res.Err.Error()))

			select {
			case <-ctx.Done():
				t.setSegmentState(index, models.SegmentPending, seg.Attempts)
				return
			case <-time.After(t.backoff(seg.Attempts)):
			}
			if t.pause.Paused() {
				t.setSegmentState(index, models.SegmentPending, seg.Attempts)
				return
			}
		}
	}
}

// backoff computes the delay before the given attempt's successor:
// base * 2^(attempt-1), jittered by ±25%, capped at MaxBackoff.
func (t *Task) backoff(attempt int) time.Duration {
	base := t.cfg.RetryBaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	d = time.Duration(float64(d) * jitter)
	if max := t.cfg.MaxBackoff; max > 0 && d > max {
		d = max
	}
	return d
}

// completeSegment marks a segment Done, persists the snapshot and emits
// progress.
func (t *Task) completeSegment(index, attempts int, size int64) {
	t.speed.Add(size)

	t.mu.Lock()
	seg := &t.plan.Segments[index]
	seg.State = models.SegmentDone
	seg.Attempts = attempts
	seg.Size = size
	t.downloadedBytes += size
	progress := t.progressLocked()
	t.flushSnapshotLocked()
	t.mu.Unlock()

	t.publish(events.Event{
		Type:     events.TypeTaskProgress,
		SourceID: string(t.id),
		Priority: events.PriorityNormal,
		Payload:  progress,
	})
}

// failSegment records the first terminal segment failure and aborts the
// rest of the run.
func (t *Task) failSegment(index, attempts int, kind models.ErrorKind, err error) {
	t.mu.Lock()
	seg := &t.plan.Segments[index]
	seg.State = models.SegmentFailed
	seg.Attempts = attempts
	if err != nil {
		seg.FailReason = string(kind)
	}
	first := t.taskErr == nil
	if first {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		t.taskErr = &models.TaskError{
			Kind:         kind,
			SegmentIndex: index,
			Attempts:     attempts,
			Message:      msg,
		}
	}
	cancel := t.cancelRun
	t.flushSnapshotLocked()
	t.mu.Unlock()

	if first && cancel != nil {
		cancel()
	}
}

// setSegmentState resets a segment's state (pause/cancel paths).
func (t *Task) setSegmentState(index int, state models.SegmentState, attempts int) {
	t.mu.Lock()
	t.plan.Segments[index].State = state
	if attempts > 0 {
		t.plan.Segments[index].Attempts = attempts
	}
	t.mu.Unlock()
}

// flushSnapshotLocked persists segment states; failures are logged and
// tolerated. Caller holds the mutex.
func (t *Task) flushSnapshotLocked() {
	if err := writeSnapshot(t.stagingDir, t.plan.Segments); err != nil {
		t.logger.Warn("snapshot flush failed", slog.String("error", err.Error()))
	}
}

// finish resolves the run into its terminal (or paused) outcome.
func (t *Task) finish(ctx context.Context) RunOutcome {
	if t.canceled.Paused() {
		return t.finishCanceled()
	}

	t.mu.Lock()
	taskErr := t.taskErr
	allDone := true
	for i := range t.plan.Segments {
		if t.plan.Segments[i].State != models.SegmentDone {
			allDone = false
			break
		}
	}
	t.mu.Unlock()

	if taskErr != nil {
		return t.failWith(taskErr)
	}

	if !allDone {
		// Pause drained the pool with segments remaining.
		t.mu.Lock()
		_ = t.transitionLocked(models.TaskPaused)
		t.flushSnapshotLocked()
		t.mu.Unlock()
		t.logger.Info("task paused")
		return OutcomePaused
	}

	return t.merge(ctx)
}

// merge concatenates staged segments into the final artifact.
func (t *Task) merge(ctx context.Context) RunOutcome {
	t.mu.Lock()
	paths := make([]string, 0, len(t.plan.Segments))
	for i := range t.plan.Segments {
		paths = append(paths, filepath.Join(t.stagingDir, t.plan.Segments[i].StagingName()))
	}
	output := t.plan.OutputPath
	t.mu.Unlock()

	if err := t.merger.Merge(ctx, paths, output); err != nil {
		return t.failWith(&models.TaskError{
			Kind:         models.ErrorKindMerge,
			SegmentIndex: -1,
			Message:      err.Error(),
		})
	}

	t.mu.Lock()
	_ = t.transitionLocked(models.TaskCompleted)
	t.cleanupStagingLocked(true)
	t.mu.Unlock()

	t.publish(events.Event{
		Type:     events.TypeTaskCompleted,
		SourceID: string(t.id),
		Priority: events.PriorityHigh,
		Payload:  t.Snapshot(),
	})
	t.logger.Info("task completed", slog.String("output", output))
	return OutcomeCompleted
}

// finishCanceled deletes partial staging output and transitions to
// Canceled.
func (t *Task) finishCanceled() RunOutcome {
	t.mu.Lock()
	if !t.status.Terminal() {
		_ = t.transitionLocked(models.TaskCanceled)
	}
	t.cleanupStagingLocked(!t.cfg.KeepStagingOnFailure)
	t.mu.Unlock()

	t.logger.Info("task canceled")
	return OutcomeCanceled
}

// failWith transitions to Failed and emits the failure event.
func (t *Task) failWith(taskErr *models.TaskError) RunOutcome {
	t.mu.Lock()
	t.taskErr = taskErr
	if !t.status.Terminal() {
		_ = t.transitionLocked(models.TaskFailed)
	}
	if !t.cfg.KeepStagingOnFailure {
		// Failed staging is retained only when configured for post-mortem.
		t.cleanupStagingLocked(true)
	} else {
		t.flushSnapshotLocked()
	}
	t.mu.Unlock()

	t.publishFailure()
	t.logger.Error("task failed",
		slog.String("kind", string(taskErr.Kind)),
		slog.Int("segment", taskErr.SegmentIndex),
		slog.String("error", taskErr.Message))
	return OutcomeFailed
}

// publishFailure emits the critical task.failed event.
func (t *Task) publishFailure() {
	t.publish(events.Event{
		Type:     events.TypeTaskFailed,
		SourceID: string(t.id),
		Priority: events.PriorityCritical,
		Payload:  t.taskErr,
	})
}

// cleanupStagingLocked removes part files and, when remove is set, the
// whole staging directory. Caller holds the mutex.
func (t *Task) cleanupStagingLocked(remove bool) {
	for i := range t.plan.Segments {
		os.Remove(filepath.Join(t.stagingDir, t.plan.Segments[i].PartName()))
	}
	if remove {
		if err := os.RemoveAll(t.stagingDir); err != nil {
			t.logger.Warn("staging cleanup failed", slog.String("error", err.Error()))
		}
	}
}
