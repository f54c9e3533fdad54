package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType is the scheduling rule kind of a saved trigger.
type TriggerType string

const (
	// TriggerOneTime fires at most once, at first_run.
	TriggerOneTime TriggerType = "one_time"
	// TriggerDaily fires every day at first_run's time-of-day.
	TriggerDaily TriggerType = "daily"
	// TriggerWeekly fires on selected weekdays at first_run's time-of-day.
	TriggerWeekly TriggerType = "weekly"
	// TriggerInterval fires every Interval seconds anchored at first_run.
	TriggerInterval TriggerType = "interval"
)

// PayloadKind discriminates trigger payload variants.
type PayloadKind string

const (
	// PayloadPlan carries a ready download plan.
	PayloadPlan PayloadKind = "plan"
	// PayloadURL carries a URL that is analyzed at fire time.
	PayloadURL PayloadKind = "url"
)

// Payload is what a trigger hands to the task manager when it fires:
// either a fully analyzed plan or a URL plus submit options.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// Plan is set when Kind is PayloadPlan.
	Plan *Plan `json:"plan,omitempty"`

	// URL is set when Kind is PayloadURL.
	URL string `json:"url,omitempty"`

	// Options apply to the submission regardless of kind.
	Options SubmitOptions `json:"options"`
}

// SubmitOptions tune a single submission to the task manager.
type SubmitOptions struct {
	Priority Priority `json:"priority"`

	// OutputDir overrides the configured output directory when set.
	OutputDir string `json:"output_dir,omitempty"`

	// Name overrides the derived display name when set.
	Name string `json:"name,omitempty"`
}

// Trigger is a persisted scheduled task specification. Weekday numbering
// follows the persisted format: 0 is Monday, 6 is Sunday.
type Trigger struct {
	ID      string      `json:"task_id"`
	Name    string      `json:"name"`
	Type    TriggerType `json:"task_type"`
	Payload Payload     `json:"data"`

	// FirstRun anchors the schedule. For daily/weekly triggers only its
	// time-of-day matters; for interval triggers it is the series origin.
	FirstRun time.Time `json:"first_run"`

	// Interval is the repeat period in seconds (interval triggers only).
	Interval int `json:"interval,omitempty"`

	// Days selects weekdays for weekly triggers (0=Monday .. 6=Sunday).
	Days []int `json:"days,omitempty"`

	Enabled bool `json:"enabled"`

	// LastRun is the wall time of the most recent fire, nil if never fired.
	LastRun *time.Time `json:"last_run,omitempty"`
}

// NewTrigger creates an enabled trigger with a fresh ID.
func NewTrigger(name string, typ TriggerType, payload Payload, firstRun time.Time) *Trigger {
	return &Trigger{
		ID:       uuid.NewString(),
		Name:     name,
		Type:     typ,
		Payload:  payload,
		FirstRun: firstRun,
		Enabled:  true,
	}
}

// mondayWeekday converts time.Weekday (Sunday=0) to the persisted
// numbering (Monday=0).
func mondayWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// atTimeOfDay returns day's date combined with anchor's time-of-day.
func atTimeOfDay(day, anchor time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, day.Location())
}

// NextFire computes the next fire time strictly after now, or nil when
// the trigger will never fire again. The result is strictly monotonic
// across fires for a given trigger.
func (t *Trigger) NextFire(now time.Time) *time.Time {
	if !t.Enabled {
		return nil
	}

	switch t.Type {
	case TriggerOneTime:
		if t.LastRun != nil {
			return nil
		}
		if t.FirstRun.After(now) {
			fire := t.FirstRun
			return &fire
		}
		return nil

	case TriggerInterval:
		if t.Interval <= 0 {
			return nil
		}
		step := time.Duration(t.Interval) * time.Second
		if t.FirstRun.After(now) {
			fire := t.FirstRun
			return &fire
		}
		// Roll forward to the first instant after now on the anchored grid.
		elapsed := now.Sub(t.FirstRun)
		intervals := elapsed/step + 1
		fire := t.FirstRun.Add(intervals * step)
		return &fire

	case TriggerDaily:
		fire := atTimeOfDay(now, t.FirstRun)
		if !fire.After(now) {
			fire = fire.AddDate(0, 0, 1)
		}
		return &fire

	case TriggerWeekly:
		if len(t.Days) == 0 {
			return nil
		}
		selected := make(map[int]bool, len(t.Days))
		for _, d := range t.Days {
			selected[d] = true
		}
		for ahead := 0; ahead < 8; ahead++ {
			day := now.AddDate(0, 0, ahead)
			if !selected[mondayWeekday(day.Weekday())] {
				continue
			}
			fire := atTimeOfDay(day, t.FirstRun)
			if fire.After(now) {
				return &fire
			}
		}
		return nil
	}

	return nil
}

// MarkFired records a fire at the given time. One-time triggers are
// disabled after firing.
func (t *Trigger) MarkFired(at time.Time) {
	fired := at
	t.LastRun = &fired
	if t.Type == TriggerOneTime {
		t.Enabled = false
	}
}
