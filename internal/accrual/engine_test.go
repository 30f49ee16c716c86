package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		PeriodDuration:  4 * time.Hour,
		Increment:       decimal.RequireFromString("11.52"),
		InactivityLimit: 12 * time.Hour,
	}
}

func miningRecord(lastUpdate, lastActive time.Time) Record {
	return Record{
		DeviceID:       "device-1",
		Balance:        decimal.RequireFromString("100"),
		IsMining:       true,
		LastUpdateTime: lastUpdate,
		LastActive:     lastActive,
		CreatedAt:      lastUpdate,
	}
}

func TestReconcile_PeriodCorrectness(t *testing.T) {
	p := testParams()
	now := t0.Add(3*p.PeriodDuration + 10*time.Millisecond)
	rec := miningRecord(t0, now.Add(-time.Minute))

	out := Reconcile(rec, now, p, TriggerActivity)

	assert.Equal(t, int64(3), out.Periods)
	assert.True(t, out.BalanceDelta.Equal(decimal.RequireFromString("34.56")), "delta = %s", out.BalanceDelta)
	assert.Equal(t, t0.Add(3*p.PeriodDuration), out.LastUpdateTime)
	assert.True(t, out.Changed())

	view := out.Apply(rec)
	assert.True(t, view.Balance.Equal(decimal.RequireFromString("134.56")), "balance = %s", view.Balance)
	assert.Equal(t, now, view.LastActive)
}

func TestReconcile_Idempotent(t *testing.T) {
	p := testParams()
	now := t0.Add(2*p.PeriodDuration + time.Hour)
	rec := miningRecord(t0, now.Add(-time.Minute))

	first := Reconcile(rec, now, p, TriggerActivity)
	rec = first.Apply(rec)
	second := Reconcile(rec, now.Add(time.Millisecond), p, TriggerActivity)

	assert.Equal(t, int64(2), first.Periods)
	assert.Zero(t, second.Periods)
	assert.True(t, second.BalanceDelta.IsZero())
	assert.False(t, second.Changed())
	assert.True(t, second.Apply(rec).Balance.Equal(rec.Balance))
}

func TestReconcile_InactivityPause(t *testing.T) {
	p := testParams()
	now := t0.Add(5 * p.PeriodDuration)
	rec := miningRecord(t0, now.Add(-(p.InactivityLimit + time.Millisecond)))

	out := Reconcile(rec, now, p, TriggerSweep)

	assert.True(t, out.Paused)
	assert.True(t, out.IsMiningPaused)
	assert.Equal(t, now, out.PausedAt)
	assert.Zero(t, out.Periods)
	assert.True(t, out.BalanceDelta.IsZero())
	assert.Equal(t, t0, out.LastUpdateTime)
	assert.False(t, out.TouchActive)
	assert.Equal(t, rec.LastActive, out.LastActive)
}

func TestReconcile_ExactlyAtLimitNeitherPausesNorResumes(t *testing.T) {
	p := testParams()
	now := t0.Add(p.InactivityLimit)

	running := miningRecord(t0, t0)
	out := Reconcile(running, now, p, TriggerSweep)
	assert.False(t, out.Paused)
	assert.Equal(t, int64(3), out.Periods)

	paused := miningRecord(t0, t0)
	paused.IsMiningPaused = true
	out = Reconcile(paused, now, p, TriggerSweep)
	assert.False(t, out.Resumed)
	assert.True(t, out.IsMiningPaused)
	assert.Zero(t, out.Periods)
}

func TestReconcile_ResumeForfeitsBacklog(t *testing.T) {
	p := testParams()
	now := t0.Add(10 * p.PeriodDuration)
	rec := miningRecord(t0, now.Add(-time.Millisecond))
	rec.IsMiningPaused = true

	out := Reconcile(rec, now, p, TriggerActivity)

	assert.True(t, out.Resumed)
	assert.False(t, out.IsMiningPaused)
	assert.Equal(t, now, out.LastUpdateTime)
	assert.Zero(t, out.Periods)
	assert.True(t, out.BalanceDelta.IsZero())
}

func TestReconcile_PausedAndStillInactiveStaysPaused(t *testing.T) {
	p := testParams()
	now := t0.Add(20 * time.Hour)
	rec := miningRecord(t0, t0)
	rec.IsMiningPaused = true

	out := Reconcile(rec, now, p, TriggerActivity)

	assert.False(t, out.Resumed)
	assert.True(t, out.IsMiningPaused)
	assert.Zero(t, out.Periods)
	// The status check itself is activity, so the next check resumes.
	assert.Equal(t, now, out.LastActive)

	next := Reconcile(out.Apply(rec), now.Add(time.Second), p, TriggerActivity)
	assert.True(t, next.Resumed)
}

func TestReconcile_NotMining(t *testing.T) {
	p := testParams()
	now := t0.Add(100 * p.PeriodDuration)
	rec := miningRecord(t0, t0)
	rec.IsMining = false

	out := Reconcile(rec, now, p, TriggerActivity)

	assert.Zero(t, out.Periods)
	assert.True(t, out.BalanceDelta.IsZero())
	assert.Equal(t, t0, out.LastUpdateTime)
	assert.False(t, out.Changed())
}

func TestReconcile_NormalizesPauseWithoutMining(t *testing.T) {
	rec := miningRecord(t0, t0)
	rec.IsMining = false
	rec.IsMiningPaused = true

	out := Reconcile(rec, t0.Add(time.Hour), testParams(), TriggerSweep)

	assert.True(t, out.Normalized)
	assert.False(t, out.IsMiningPaused)
	assert.True(t, out.Changed())
}

func TestReconcile_MissingTimestampsTreatedAsNow(t *testing.T) {
	rec := Record{DeviceID: "fresh", IsMining: true}

	out := Reconcile(rec, t0, testParams(), TriggerSweep)

	assert.False(t, out.Paused)
	assert.Zero(t, out.Periods)
	assert.Equal(t, t0, out.LastUpdateTime)
	assert.Equal(t, t0, out.LastActive)
}

func TestReconcile_ClockBehindIsNoop(t *testing.T) {
	p := testParams()
	rec := miningRecord(t0, t0)

	out := Reconcile(rec, t0.Add(-time.Hour), p, TriggerSweep)

	assert.Zero(t, out.Periods)
	assert.Equal(t, t0, out.LastUpdateTime)
	assert.False(t, out.Changed())
}

func TestReconcile_Monotonic(t *testing.T) {
	p := testParams()
	rec := miningRecord(t0, t0)
	now := t0

	steps := []time.Duration{
		time.Minute, 3 * time.Hour, 90 * time.Minute, 13 * time.Hour,
		time.Second, 5 * time.Hour, 4 * time.Hour, 26 * time.Hour, 0,
	}
	for i, step := range steps {
		now = now.Add(step)
		trigger := TriggerSweep
		if i%3 == 0 {
			trigger = TriggerActivity
		}
		out := Reconcile(rec, now, p, trigger)
		next := out.Apply(rec)

		require.True(t, next.Balance.GreaterThanOrEqual(rec.Balance), "step %d: balance went down", i)
		require.False(t, next.LastUpdateTime.Before(rec.LastUpdateTime), "step %d: lastUpdateTime went back", i)
		if next.IsMiningPaused {
			require.True(t, next.IsMining)
		}
		rec = next
	}
}

func TestStartRecord_KeepsBalance(t *testing.T) {
	rec := miningRecord(t0, t0)
	rec.IsMining = false
	rec.IsMiningPaused = true
	now := t0.Add(time.Hour)

	got := StartRecord(rec, now)

	assert.True(t, got.IsMining)
	assert.False(t, got.IsMiningPaused)
	assert.Equal(t, now, got.LastUpdateTime)
	assert.Equal(t, now, got.LastActive)
	assert.Equal(t, t0, got.CreatedAt)
	assert.True(t, got.Balance.Equal(rec.Balance))
}

func TestResetRecord(t *testing.T) {
	rec := miningRecord(t0, t0)
	rec.IsMiningPaused = true
	rec.PausedAt = t0
	now := t0.Add(time.Hour)

	got := ResetRecord(rec, now)

	assert.True(t, got.Balance.IsZero())
	assert.False(t, got.IsMining)
	assert.False(t, got.IsMiningPaused)
	assert.Equal(t, now, got.LastUpdateTime)
	assert.Equal(t, now, got.LastActive)
	assert.True(t, got.PausedAt.IsZero())
	assert.Equal(t, t0, got.CreatedAt)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.PeriodDuration = 0
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.Increment = decimal.RequireFromString("0.0000001")
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.Increment = decimal.RequireFromString("-1")
	assert.Error(t, p.Validate())
}

func TestMicrosRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("134.56")
	assert.Equal(t, int64(134560000), ToMicros(d))
	assert.True(t, FromMicros(134560000).Equal(d))
}

func TestProject(t *testing.T) {
	p := testParams()
	rec := miningRecord(t0, t0)
	now := t0.Add(5 * time.Hour)

	pr := Project(rec, now, p)

	assert.True(t, pr.Accruing)
	assert.Equal(t, int64(1), pr.PendingPeriods)
	assert.True(t, pr.PendingReward.Equal(p.Increment))
	assert.Equal(t, t0.Add(8*time.Hour), pr.NextAccrualAt)
	assert.Equal(t, 3*time.Hour, pr.TimeLeft)
	assert.Equal(t, t0.Add(p.InactivityLimit), pr.PausesAt)

	rec.IsMining = false
	assert.False(t, Project(rec, now, p).Accruing)
}
