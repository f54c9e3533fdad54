package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
	require.NoError(t, err)
	return tm
}

func TestNextFire_OneTime(t *testing.T) {
	firstRun := mustTime(t, "2024-06-01 12:00:00")
	trigger := NewTrigger("once", TriggerOneTime, Payload{}, firstRun)

	t.Run("future first run", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2024-05-31 12:00:00"))
		require.NotNil(t, next)
		assert.Equal(t, firstRun, *next)
	})

	t.Run("past first run never fires", func(t *testing.T) {
		assert.Nil(t, trigger.NextFire(mustTime(t, "2024-06-02 12:00:00")))
	})

	t.Run("disabled after firing", func(t *testing.T) {
		fired := *trigger
		fired.MarkFired(firstRun)
		assert.False(t, fired.Enabled)
		assert.Nil(t, fired.NextFire(mustTime(t, "2024-05-01 00:00:00")))
	})
}

func TestNextFire_Daily(t *testing.T) {
	trigger := NewTrigger("daily", TriggerDaily, Payload{}, mustTime(t, "2024-01-01 14:00:00"))

	t.Run("today when time not reached", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2024-03-10 09:00:00"))
		require.NotNil(t, next)
		assert.Equal(t, mustTime(t, "2024-03-10 14:00:00"), *next)
	})

	t.Run("tomorrow when time passed", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2024-03-10 15:00:00"))
		require.NotNil(t, next)
		assert.Equal(t, mustTime(t, "2024-03-11 14:00:00"), *next)
	})
}

// Weekly schedule on Monday and Wednesday at 14:00.
func TestNextFire_Weekly(t *testing.T) {
	trigger := NewTrigger("weekly", TriggerWeekly, Payload{}, mustTime(t, "2024-01-01 14:00:00"))
	trigger.Days = []int{0, 2} // Monday, Wednesday

	// 2024-01-01 is a Monday.
	next := trigger.NextFire(mustTime(t, "2024-01-01 14:00:00"))
	require.NotNil(t, next)
	assert.Equal(t, mustTime(t, "2024-01-03 14:00:00"), *next)

	next = trigger.NextFire(mustTime(t, "2024-01-03 14:00:00"))
	require.NotNil(t, next)
	assert.Equal(t, mustTime(t, "2024-01-08 14:00:00"), *next)

	// Strictly before the time-of-day on a selected day fires same day.
	next = trigger.NextFire(mustTime(t, "2024-01-03 13:59:59"))
	require.NotNil(t, next)
	assert.Equal(t, mustTime(t, "2024-01-03 14:00:00"), *next)
}

func TestNextFire_WeeklyNoDays(t *testing.T) {
	trigger := NewTrigger("weekly", TriggerWeekly, Payload{}, mustTime(t, "2024-01-01 14:00:00"))
	assert.Nil(t, trigger.NextFire(mustTime(t, "2024-01-01 10:00:00")))
}

func TestNextFire_Interval(t *testing.T) {
	trigger := NewTrigger("interval", TriggerInterval, Payload{}, mustTime(t, "2024-01-01 00:00:00"))
	trigger.Interval = 3600

	t.Run("future anchor", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2023-12-31 00:00:00"))
		require.NotNil(t, next)
		assert.Equal(t, mustTime(t, "2024-01-01 00:00:00"), *next)
	})

	t.Run("rolls forward past anchor", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2024-01-01 02:30:00"))
		require.NotNil(t, next)
		assert.Equal(t, mustTime(t, "2024-01-01 03:00:00"), *next)
	})

	t.Run("on grid point advances one interval", func(t *testing.T) {
		next := trigger.NextFire(mustTime(t, "2024-01-01 02:00:00"))
		require.NotNil(t, next)
		assert.Equal(t, mustTime(t, "2024-01-01 03:00:00"), *next)
	})

	t.Run("zero interval never fires", func(t *testing.T) {
		bad := NewTrigger("interval", TriggerInterval, Payload{}, mustTime(t, "2024-01-01 00:00:00"))
		assert.Nil(t, bad.NextFire(mustTime(t, "2024-01-02 00:00:00")))
	})
}

func TestNextFire_Monotonic(t *testing.T) {
	trigger := NewTrigger("interval", TriggerInterval, Payload{}, mustTime(t, "2024-01-01 00:00:00"))
	trigger.Interval = 60

	now := mustTime(t, "2024-01-01 00:00:30")
	var prev time.Time
	for i := 0; i < 10; i++ {
		next := trigger.NextFire(now)
		require.NotNil(t, next)
		assert.True(t, next.After(prev), "fire times must be strictly increasing")
		trigger.MarkFired(*next)
		prev = *next
		now = *next
	}
}

func TestNextFire_Disabled(t *testing.T) {
	trigger := NewTrigger("daily", TriggerDaily, Payload{}, mustTime(t, "2024-01-01 14:00:00"))
	trigger.Enabled = false
	assert.Nil(t, trigger.NextFire(mustTime(t, "2024-01-01 10:00:00")))
}

func TestTaskStatus_Transitions(t *testing.T) {
	assert.True(t, TaskCreated.CanTransition(TaskQueued))
	assert.True(t, TaskQueued.CanTransition(TaskRunning))
	assert.True(t, TaskRunning.CanTransition(TaskPaused))
	assert.True(t, TaskPaused.CanTransition(TaskRunning))
	assert.True(t, TaskRunning.CanTransition(TaskCompleted))
	assert.True(t, TaskRunning.CanTransition(TaskFailed))
	assert.True(t, TaskQueued.CanTransition(TaskCanceled))

	assert.False(t, TaskCreated.CanTransition(TaskRunning))
	assert.False(t, TaskPaused.CanTransition(TaskCompleted))
	assert.False(t, TaskCompleted.CanTransition(TaskCanceled))
	assert.False(t, TaskFailed.CanTransition(TaskRunning))
}

func TestSegmentIV_Derived(t *testing.T) {
	spec := EncryptionSpec{Method: EncryptionAES128}

	iv := spec.SegmentIV(0)
	assert.Equal(t, make([]byte, 16), iv)

	iv = spec.SegmentIV(258)
	want := make([]byte, 16)
	want[14] = 0x01
	want[15] = 0x02
	assert.Equal(t, want, iv)
}

func TestSegmentIV_Explicit(t *testing.T) {
	explicit := make([]byte, 16)
	explicit[0] = 0xFF
	spec := EncryptionSpec{Method: EncryptionAES128, IV: explicit}

	iv := spec.SegmentIV(42)
	assert.Equal(t, explicit, iv)

	// Returned IV is a copy; mutating it must not touch the spec.
	iv[0] = 0x00
	assert.Equal(t, byte(0xFF), spec.IV[0])
}

func TestProgress_Percent(t *testing.T) {
	p := Progress{CompletedSegments: 1, TotalSegments: 4}
	assert.Equal(t, 25.0, p.Percent())

	p.TotalBytesEstimate = 1000
	p.DownloadedBytes = 500
	assert.Equal(t, 50.0, p.Percent())

	empty := Progress{}
	assert.Equal(t, 100.0, empty.Percent())
}
