package mining

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/store"
)

func TestSweep_PausesAndCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"active", "idle"} {
		_, err := f.svc.Start(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.svc.Status(ctx, "never-started")
	require.NoError(t, err)

	// "active" keeps heartbeating; "idle" goes quiet.
	for i := 0; i < 13; i++ {
		f.clock.Advance(time.Hour)
		require.NoError(t, f.svc.Heartbeat(ctx, "active"))
	}

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Paused)
	assert.Equal(t, 1, res.Credited)
	assert.Zero(t, res.Failed)

	active, err := f.store.Get(ctx, "active")
	require.NoError(t, err)
	assert.True(t, active.Balance.Equal(dec("34.56")), "balance %s", active.Balance)

	idle, err := f.store.Get(ctx, "idle")
	require.NoError(t, err)
	assert.True(t, idle.IsMiningPaused)
	assert.True(t, idle.Balance.IsZero())
	assert.True(t, f.clock.Now().Equal(idle.PausedAt))
}

func TestSweep_DoesNotCountAsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Hour)
	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, t0.Equal(rec.LastActive))
	assert.True(t, rec.Balance.Equal(dec("11.52")))
}

func TestSweep_PausedRecordStaysPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Paused)

	f.clock.Advance(10 * time.Hour)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Paused)
	assert.Zero(t, res.Resumed)
	assert.Zero(t, res.Credited)
}

func TestSweep_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Start(ctx, id)
		require.NoError(t, err)
	}
	f.store.failApply("b", errors.New("write failed"))
	f.clock.Advance(4 * time.Hour)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 2, res.Credited)
	assert.Equal(t, 1, res.Failed)
}

func TestSweep_RetriesConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.store.failApply("dev-1", store.ErrConflict)
	f.clock.Advance(4 * time.Hour)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Credited)
	assert.Zero(t, res.Failed)
}

func TestSweep_HeartbeatAfterListKeepsMining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	f.store.afterList = func() {
		require.NoError(t, f.svc.Heartbeat(ctx, "dev-1"))
	}

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Paused)
	assert.Equal(t, 1, res.Credited)
	assert.Zero(t, res.Failed)

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, rec.IsMiningPaused)
	assert.True(t, f.clock.Now().Equal(rec.LastActive))
	assert.True(t, rec.Balance.Equal(dec("34.56")), "balance %s", rec.Balance)
	assert.True(t, t0.Add(12*time.Hour).Equal(rec.LastUpdateTime))
}

func TestSweep_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.store.listErr = errors.New("connection refused")

	_, err := f.svc.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSweep_RacesWithStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	f.clock.Advance(8 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Status(ctx, "dev-1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			res, err := f.svc.Sweep(ctx)
			assert.NoError(t, err)
			assert.Zero(t, res.Failed)
		}()
	}
	wg.Wait()

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(dec("23.04")), "balance %s", rec.Balance)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Start(context.Background(), "dev-1")
	require.NoError(t, err)
	f.clock.Advance(4 * time.Hour)

	w := NewSweeper(SweeperConfig{Interval: 20 * time.Millisecond, SweepOnBoot: true}, f.svc)
	w.Start()

	require.Eventually(t, func() bool {
		return w.Stats().Runs >= 2
	}, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Credited)
	assert.Zero(t, stats.Errors)
	assert.False(t, stats.LastRunAt.IsZero())
	assert.Equal(t, 1, stats.LastResult.Checked)
}

func TestSweeper_Disabled(t *testing.T) {
	f := newFixture(t)
	w := NewSweeper(SweeperConfig{Interval: -1}, f.svc)
	w.Start()
	w.Stop()
	assert.Zero(t, w.Stats().Runs)
}
