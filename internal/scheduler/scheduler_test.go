package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroair/vidtanium/internal/models"
)

// fakeClock is a settable test clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fireRecorder collects fired payloads.
type fireRecorder struct {
	mu       sync.Mutex
	payloads []models.Payload
	block    chan struct{} // non-nil blocks fires until closed
}

func (r *fireRecorder) fire(ctx context.Context, payload models.Payload) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
	require.NoError(t, err)
	return tm
}

func newTestScheduler(t *testing.T, clock Clock, rec *fireRecorder) *Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduled_tasks.json")
	return New(path, time.Second, rec.fire, clock, nil, nil)
}

func urlPayload(u string) models.Payload {
	return models.Payload{Kind: models.PayloadURL, URL: u}
}

func TestScheduler_OneShotFiresOnceAndDisables(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 10:00:00")}
	rec := &fireRecorder{}
	s := newTestScheduler(t, clock, rec)
	s.ctx = context.Background()

	trigger := models.NewTrigger("once", models.TriggerOneTime, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 12:00:00"))
	require.NoError(t, s.Add(trigger))

	// Before the fire time nothing happens.
	s.checkDue()
	assert.Zero(t, rec.count())

	clock.Set(at(t, "2024-01-01 12:00:01"))
	s.checkDue()
	s.wg.Wait()
	assert.Equal(t, 1, rec.count())

	view, err := s.Get(trigger.ID)
	require.NoError(t, err)
	assert.False(t, view.Trigger.Enabled)
	assert.Nil(t, view.NextFire)

	// Further ticks never fire it again.
	clock.Set(at(t, "2024-01-02 12:00:00"))
	s.checkDue()
	s.wg.Wait()
	assert.Equal(t, 1, rec.count())
}

// Weekly trigger on Monday and Wednesday at 14:00.
func TestScheduler_WeeklySequence(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 13:00:00")}
	rec := &fireRecorder{}
	s := newTestScheduler(t, clock, rec)
	s.ctx = context.Background()

	trigger := models.NewTrigger("weekly", models.TriggerWeekly, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 14:00:00"))
	trigger.Days = []int{0, 2}
	require.NoError(t, s.Add(trigger))

	view, err := s.Get(trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-01 14:00:00"), *view.NextFire)

	clock.Set(at(t, "2024-01-01 14:00:00"))
	s.checkDue()
	s.wg.Wait()
	assert.Equal(t, 1, rec.count())

	view, err = s.Get(trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-03 14:00:00"), *view.NextFire)

	clock.Set(at(t, "2024-01-03 14:00:00"))
	s.checkDue()
	s.wg.Wait()
	assert.Equal(t, 2, rec.count())

	view, err = s.Get(trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-08 14:00:00"), *view.NextFire)
}

func TestScheduler_IntervalPastAnchorRollsForward(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 02:30:00")}
	rec := &fireRecorder{}
	s := newTestScheduler(t, clock, rec)
	s.ctx = context.Background()

	trigger := models.NewTrigger("interval", models.TriggerInterval, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 00:00:00"))
	trigger.Interval = 3600
	require.NoError(t, s.Add(trigger))

	view, err := s.Get(trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-01 03:00:00"), *view.NextFire)
}

func TestScheduler_SkipsWhileInFlight(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 12:00:00")}
	rec := &fireRecorder{block: make(chan struct{})}
	s := newTestScheduler(t, clock, rec)
	s.ctx = context.Background()

	trigger := models.NewTrigger("interval", models.TriggerInterval, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 11:00:00"))
	trigger.Interval = 1
	require.NoError(t, s.Add(trigger))

	// Next fire is 12:00:01; move the clock there so the trigger is due.
	clock.Set(at(t, "2024-01-01 12:00:01"))

	// First tick starts a fire that blocks.
	s.checkDue()
	// Subsequent ticks with the fire still in flight must skip.
	s.checkDue()
	s.checkDue()

	close(rec.block)
	s.wg.Wait()
	assert.Equal(t, 1, rec.count())
}

func TestScheduler_PersistenceRoundTrip(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 10:00:00")}
	rec := &fireRecorder{}
	path := filepath.Join(t.TempDir(), "scheduled_tasks.json")

	s1 := New(path, time.Second, rec.fire, clock, nil, nil)
	trigger := models.NewTrigger("daily", models.TriggerDaily, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 14:00:00"))
	require.NoError(t, s1.Add(trigger))

	// A second scheduler over the same path sees the trigger.
	s2 := New(path, time.Second, rec.fire, clock, nil, nil)
	require.NoError(t, s2.Load())

	view, err := s2.Get(trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily", view.Trigger.Name)
	assert.Equal(t, models.TriggerDaily, view.Trigger.Type)
	assert.Equal(t, models.PayloadURL, view.Trigger.Payload.Kind)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-01 14:00:00"), *view.NextFire)
}

func TestScheduler_LoadMissingFile(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, &fakeClock{now: time.Now()}, rec)
	assert.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestScheduler_SetEnabled(t *testing.T) {
	clock := &fakeClock{now: at(t, "2024-01-01 10:00:00")}
	rec := &fireRecorder{}
	s := newTestScheduler(t, clock, rec)
	s.ctx = context.Background()

	trigger := models.NewTrigger("daily", models.TriggerDaily, urlPayload("http://x/a.m3u8"), at(t, "2024-01-01 14:00:00"))
	require.NoError(t, s.Add(trigger))

	require.NoError(t, s.SetEnabled(trigger.ID, false))
	clock.Set(at(t, "2024-01-01 14:00:01"))
	s.checkDue()
	s.wg.Wait()
	assert.Zero(t, rec.count())

	require.NoError(t, s.SetEnabled(trigger.ID, true))
	view, err := s.Get(trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFire)
	assert.Equal(t, at(t, "2024-01-02 14:00:00"), *view.NextFire)
}

func TestScheduler_RemoveUnknown(t *testing.T) {
	s := newTestScheduler(t, &fakeClock{now: time.Now()}, &fireRecorder{})
	assert.Error(t, s.Remove("ghost"))
}

func TestScheduler_StartStop(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, &fakeClock{now: time.Now()}, rec)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")
	s.Stop()

	// Restartable after stop.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
