// Package storetest is a conformance suite every store backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"GetOrCreate", testGetOrCreate},
		{"TouchMissing", testTouchMissing},
		{"TouchOnlyLastActive", testTouchOnlyLastActive},
		{"StartCreates", testStartCreates},
		{"StartKeepsBalance", testStartKeepsBalance},
		{"ApplyCredits", testApplyCredits},
		{"ApplyConflict", testApplyConflict},
		{"ApplyConflictAfterTouch", testApplyConflictAfterTouch},
		{"ApplyMissing", testApplyMissing},
		{"ApplyWithoutTouch", testApplyWithoutTouch},
		{"Reset", testReset},
		{"ResetMissing", testResetMissing},
		{"ListMining", testListMining},
		{"ConcurrentApply", testConcurrentApply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func sameTime(t *testing.T, want, got time.Time, field string) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s = %v, want %v", field, got, want)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetOrCreate(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec, created, err := s.GetOrCreate(ctx, "dev-a", base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "dev-a", rec.DeviceID)
	assert.True(t, rec.Balance.IsZero())
	assert.False(t, rec.IsMining)
	assert.False(t, rec.IsMiningPaused)
	sameTime(t, base, rec.LastUpdateTime, "LastUpdateTime")
	sameTime(t, base, rec.LastActive, "LastActive")
	sameTime(t, base, rec.CreatedAt, "CreatedAt")

	again, created, err := s.GetOrCreate(ctx, "dev-a", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	sameTime(t, base, again.CreatedAt, "CreatedAt")
}

func testTouchMissing(t *testing.T, s store.Store) {
	err := s.Touch(context.Background(), "nobody", base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound, "Touch must not create records")
}

func testTouchOnlyLastActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	later := base.Add(90 * time.Minute)
	require.NoError(t, s.Touch(ctx, "dev-a", later))

	rec, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	sameTime(t, later, rec.LastActive, "LastActive")
	sameTime(t, base, rec.LastUpdateTime, "LastUpdateTime")
	assert.True(t, rec.IsMining)
}

func testStartCreates(t *testing.T, s store.Store) {
	rec, err := s.Start(context.Background(), "dev-a", base)
	require.NoError(t, err)
	assert.True(t, rec.IsMining)
	assert.False(t, rec.IsMiningPaused)
	assert.True(t, rec.Balance.IsZero())
	sameTime(t, base, rec.CreatedAt, "CreatedAt")
}

func testStartKeepsBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	credit := store.Update{
		DeviceID:             "dev-a",
		ExpectMining:         true,
		ExpectLastUpdateTime: rec.LastUpdateTime,
		ExpectLastActive:     rec.LastActive,
		BalanceDelta:         accrual.ToMicros(decimal.RequireFromString("11.52")),
		IsMiningPaused:       true,
		LastUpdateTime:       rec.LastUpdateTime.Add(4 * time.Hour),
		PausedAt:             base.Add(5 * time.Hour),
	}
	require.NoError(t, s.Apply(ctx, credit))
	paused, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	sameTime(t, base.Add(5*time.Hour), paused.PausedAt, "PausedAt")

	restart := base.Add(24 * time.Hour)
	rec, err = s.Start(ctx, "dev-a", restart)
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("11.52")), "balance = %s", rec.Balance)
	assert.False(t, rec.IsMiningPaused)
	sameTime(t, restart, rec.LastUpdateTime, "LastUpdateTime")
	sameTime(t, restart, rec.LastActive, "LastActive")
	sameTime(t, base, rec.CreatedAt, "CreatedAt")
	assert.True(t, rec.PausedAt.IsZero(), "PausedAt = %v after start", rec.PausedAt)
}

func testApplyCredits(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	now := base.Add(3*p.PeriodDuration + 10*time.Millisecond)
	out := accrual.Reconcile(rec, now, p, accrual.TriggerActivity)
	require.NoError(t, s.Apply(ctx, store.NewUpdate(rec, out)))

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("34.56")), "balance = %s", got.Balance)
	sameTime(t, base.Add(3*p.PeriodDuration), got.LastUpdateTime, "LastUpdateTime")
	sameTime(t, now, got.LastActive, "LastActive")
}

func testApplyConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	out := accrual.Reconcile(rec, base.Add(p.PeriodDuration), p, accrual.TriggerSweep)
	u := store.NewUpdate(rec, out)
	require.NoError(t, s.Apply(ctx, u))

	// Same stale snapshot applied twice must not double-credit.
	assert.ErrorIs(t, s.Apply(ctx, u), store.ErrConflict)

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(p.Increment), "balance = %s", got.Balance)
}

// A pause computed from a stale LastActive must not land after a heartbeat.
func testApplyConflictAfterTouch(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	now := base.Add(p.InactivityLimit + time.Hour)
	out := accrual.Reconcile(rec, now, p, accrual.TriggerSweep)
	require.True(t, out.Paused)

	require.NoError(t, s.Touch(ctx, "dev-a", now))
	assert.ErrorIs(t, s.Apply(ctx, store.NewUpdate(rec, out)), store.ErrConflict)

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.False(t, got.IsMiningPaused)
	sameTime(t, now, got.LastActive, "LastActive")
	sameTime(t, base, got.LastUpdateTime, "LastUpdateTime")
}

func testApplyMissing(t *testing.T, s store.Store) {
	err := s.Apply(context.Background(), store.Update{DeviceID: "nobody", ExpectMining: true})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testApplyWithoutTouch(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	out := accrual.Reconcile(rec, base.Add(p.PeriodDuration), p, accrual.TriggerSweep)
	require.NoError(t, s.Apply(ctx, store.NewUpdate(rec, out)))

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	sameTime(t, base, got.LastActive, "LastActive")
}

func testReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)
	p := accrual.DefaultParams()
	out := accrual.Reconcile(rec, base.Add(2*p.PeriodDuration), p, accrual.TriggerSweep)
	require.NoError(t, s.Apply(ctx, store.NewUpdate(rec, out)))

	at := base.Add(10 * time.Hour)
	got, err := s.Reset(ctx, "dev-a", at)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.False(t, got.IsMining)
	assert.False(t, got.IsMiningPaused)
	sameTime(t, at, got.LastUpdateTime, "LastUpdateTime")
	sameTime(t, at, got.LastActive, "LastActive")
	sameTime(t, base, got.CreatedAt, "CreatedAt")

	list, err := s.ListMining(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testResetMissing(t *testing.T, s store.Store) {
	_, err := s.Reset(context.Background(), "nobody", base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListMining(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.GetOrCreate(ctx, "idle", base)
	require.NoError(t, err)
	_, err = s.Start(ctx, "active", base)
	require.NoError(t, err)
	paused, err := s.Start(ctx, "paused", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	out := accrual.Reconcile(paused, base.Add(p.InactivityLimit+time.Second), p, accrual.TriggerSweep)
	require.True(t, out.Paused)
	require.NoError(t, s.Apply(ctx, store.NewUpdate(paused, out)))

	list, err := s.ListMining(ctx)
	require.NoError(t, err)

	ids := map[string]accrual.Record{}
	for _, r := range list {
		ids[r.DeviceID] = r
	}
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "active")
	assert.Contains(t, ids, "paused")
	assert.True(t, ids["paused"].IsMiningPaused)
}

func testConcurrentApply(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Start(ctx, "dev-a", base)
	require.NoError(t, err)

	p := accrual.DefaultParams()
	out := accrual.Reconcile(rec, base.Add(2*p.PeriodDuration), p, accrual.TriggerSweep)
	u := store.NewUpdate(rec, out)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Apply(ctx, u)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, ok)

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(p.Increment.Mul(decimal.NewFromInt(2))), "balance = %s", got.Balance)
}
