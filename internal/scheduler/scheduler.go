// Package scheduler provides time-based activation of saved download
// tasks: one-shot, daily, weekly and interval triggers with persistent
// state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astroair/vidtanium/internal/events"
	"github.com/astroair/vidtanium/internal/models"
)

// FireFunc hands a due trigger's payload to the task manager.
type FireFunc func(ctx context.Context, payload models.Payload) error

// minTick is the lowest allowed polling interval.
const minTick = 200 * time.Millisecond

// entry pairs a trigger with its derived next fire time.
type entry struct {
	trigger  *models.Trigger
	nextFire *time.Time
}

// Scheduler wakes periodically, fires due triggers and persists state
// on every mutation. At most one fire per trigger is in flight; a
// trigger still firing at the next tick is skipped.
type Scheduler struct {
	mu sync.Mutex

	path     string
	fire     FireFunc
	clock    Clock
	tick     time.Duration
	bus      *events.Bus
	logger   *slog.Logger
	entries  map[string]*entry
	inFlight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler persisting to path. The bus may be nil.
func New(path string, tick time.Duration, fire FireFunc, clock Clock, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if tick < minTick {
		tick = minTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		path:     path,
		fire:     fire,
		clock:    clock,
		tick:     tick,
		bus:      bus,
		logger:   logger,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]bool),
	}
}

// Load reads persisted triggers and derives their next fire times.
func (s *Scheduler) Load() error {
	triggers, err := loadTriggers(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, trigger := range triggers {
		s.entries[trigger.ID] = &entry{
			trigger:  trigger,
			nextFire: trigger.NextFire(now),
		}
	}
	s.logger.Info("loaded scheduled triggers", slog.Int("count", len(triggers)))
	return nil
}

// Start begins the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

// Stop halts the tick loop and waits for in-flight fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// run is the tick loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkDue()
		}
	}
}

// checkDue fires every enabled trigger whose next fire time has passed
// and that has no fire in flight.
func (s *Scheduler) checkDue() {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for id, e := range s.entries {
		if !e.trigger.Enabled || e.nextFire == nil || s.inFlight[id] {
			continue
		}
		if e.nextFire.After(now) {
			continue
		}
		s.inFlight[id] = true
		due = append(due, e)
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go s.fireOne(ctx, e, now)
	}
}

// fireOne invokes the payload, stamps the trigger and persists.
func (s *Scheduler) fireOne(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()

	trigger := e.trigger
	s.logger.Info("trigger fired",
		slog.String("trigger_id", trigger.ID),
		slog.String("name", trigger.Name),
		slog.String("type", string(trigger.Type)))

	if err := s.fire(ctx, trigger.Payload); err != nil {
		s.logger.Error("trigger payload submission failed",
			slog.String("trigger_id", trigger.ID),
			slog.String("error", err.Error()))
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.TypeTriggerFired,
			SourceID: trigger.ID,
			Priority: events.PriorityNormal,
			Payload:  trigger.Name,
		})
	}

	s.mu.Lock()
	trigger.MarkFired(now)
	e.nextFire = trigger.NextFire(now)
	delete(s.inFlight, trigger.ID)
	s.persistLocked()
	s.mu.Unlock()
}

// Add registers a trigger and persists.
func (s *Scheduler) Add(trigger *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[trigger.ID]; exists {
		return fmt.Errorf("trigger %s already exists", trigger.ID)
	}
	s.entries[trigger.ID] = &entry{
		trigger:  trigger,
		nextFire: trigger.NextFire(s.clock.Now()),
	}
	s.persistLocked()
	return nil
}

// Remove deletes a trigger and persists.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("unknown trigger %s", id)
	}
	delete(s.entries, id)
	s.persistLocked()
	return nil
}

// SetEnabled flips a trigger's enabled flag, recomputing its next fire
// time, and persists.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown trigger %s", id)
	}
	e.trigger.Enabled = enabled
	if enabled {
		e.nextFire = e.trigger.NextFire(s.clock.Now())
	} else {
		e.nextFire = nil
	}
	s.persistLocked()
	return nil
}

// TriggerView is a read-only listing entry.
type TriggerView struct {
	Trigger  models.Trigger `json:"trigger"`
	NextFire *time.Time     `json:"next_fire,omitempty"`
}

// List returns all triggers with their derived next fire times.
func (s *Scheduler) List() []TriggerView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TriggerView, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, TriggerView{Trigger: *e.trigger, NextFire: e.nextFire})
	}
	return out
}

// Get returns one trigger view.
func (s *Scheduler) Get(id string) (TriggerView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return TriggerView{}, fmt.Errorf("unknown trigger %s", id)
	}
	return TriggerView{Trigger: *e.trigger, NextFire: e.nextFire}, nil
}

// persistLocked writes the trigger list. Persistence failures are
// logged and tolerated; the in-memory state stays authoritative and the
// next mutation retries. Caller holds the mutex.
func (s *Scheduler) persistLocked() {
	triggers := make([]*models.Trigger, 0, len(s.entries))
	for _, e := range s.entries {
		triggers = append(triggers, e.trigger)
	}
	if err := saveTriggers(s.path, triggers); err != nil {
		s.logger.Warn("persisting triggers failed", slog.String("error", err.Error()))
	}
}
