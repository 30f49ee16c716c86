package mining

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/metrics"
	"github.com/b0ase/path402/apps/minesim/internal/store"
	"github.com/b0ase/path402/apps/minesim/internal/store/sqlitestore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore injects errors into Apply and Touch per device.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	applyErrs map[string][]error
	listErr   error
	// afterList runs once ListMining has read its records.
	afterList func()
}

func (f *flakyStore) failApply(deviceID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErrs == nil {
		f.applyErrs = make(map[string][]error)
	}
	f.applyErrs[deviceID] = append(f.applyErrs[deviceID], errs...)
}

func (f *flakyStore) Apply(ctx context.Context, u store.Update) error {
	f.mu.Lock()
	if errs := f.applyErrs[u.DeviceID]; len(errs) > 0 {
		f.applyErrs[u.DeviceID] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	f.mu.Unlock()
	return f.Store.Apply(ctx, u)
}

func (f *flakyStore) ListMining(ctx context.Context) ([]accrual.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	recs, err := f.Store.ListMining(ctx)
	if err == nil && f.afterList != nil {
		f.afterList()
	}
	return recs, err
}

type fixture struct {
	svc   *Service
	store *flakyStore
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := sqlitestore.Open(sqlitestore.DriverCgo, filepath.Join(t.TempDir(), "minesim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := &flakyStore{Store: db}
	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := NewService(fs, ServiceConfig{Params: accrual.DefaultParams(), MaxRetries: 3, Workers: 4}, opts...)
	return &fixture{svc: svc, store: fs, clock: clock}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestValidateDeviceID(t *testing.T) {
	valid := []string{"dev-1", "3f2b9c1e-8d4a-4c1b-9f7e-2a6d5c4b3a21", "a.b_c:d"}
	for _, id := range valid {
		assert.NoError(t, ValidateDeviceID(id), id)
	}

	long := make([]byte, maxDeviceIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	invalid := []string{"", "has space", "a/b", string(long), "tab\tid"}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateDeviceID(id), ErrInvalidInput, "%q", id)
	}
}

func TestStatus_CreatesRecord(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Status(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Record.Balance.IsZero())
	assert.False(t, res.Record.IsMining)
	assert.Zero(t, res.PeriodsElapsed)
	assert.True(t, t0.Equal(res.Record.CreatedAt))

	res, err = f.svc.Status(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, res.Created)
}

func TestStatus_InvalidID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Status(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStatus_AccruesWholePeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	p := f.svc.Params()
	// Keep the device active so the 12h window never trips.
	for i := 0; i < 3; i++ {
		f.clock.Advance(p.PeriodDuration)
		require.NoError(t, f.svc.Heartbeat(ctx, "dev-1"))
	}
	f.clock.Advance(10 * time.Millisecond)

	res, err := f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.PeriodsElapsed)
	assert.True(t, res.IncrementApplied.Equal(dec("34.56")), "applied %s", res.IncrementApplied)
	assert.True(t, res.Record.Balance.Equal(dec("34.56")), "balance %s", res.Record.Balance)
	assert.True(t, t0.Add(3*p.PeriodDuration).Equal(res.Record.LastUpdateTime))

	stored, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(dec("34.56")))
	assert.True(t, f.clock.Now().Equal(stored.LastActive))
}

func TestStatus_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Hour)
	first, err := f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)
	second, err := f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.PeriodsElapsed)
	assert.Zero(t, second.PeriodsElapsed)
	assert.True(t, first.Record.Balance.Equal(second.Record.Balance))
}

func TestStatus_PauseThenResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	res, err := f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.True(t, res.Record.IsMiningPaused)
	assert.True(t, res.Record.Balance.IsZero(), "a pausing call never accrues")

	// The pausing call itself counted as activity, so the next one resumes.
	res, err = f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.False(t, res.Record.IsMiningPaused)
	assert.True(t, f.clock.Now().Equal(res.Record.LastUpdateTime))
	assert.True(t, res.Record.Balance.IsZero(), "paused time is forfeited")
}

func TestStatus_RetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.store.failApply("dev-1", store.ErrConflict, store.ErrConflict)
	f.clock.Advance(4 * time.Hour)

	res, err := f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PeriodsElapsed)
	assert.True(t, res.Record.Balance.Equal(dec("11.52")))
}

func TestStatus_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.store.failApply("dev-1", store.ErrConflict, store.ErrConflict, store.ErrConflict, store.ErrConflict)
	f.clock.Advance(4 * time.Hour)

	_, err = f.svc.Status(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, store.ErrConflict)

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
}

func TestStatus_StoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	boom := errors.New("disk on fire")
	f.store.failApply("dev-1", boom)
	f.clock.Advance(4 * time.Hour)

	_, err = f.svc.Status(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Heartbeat(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "heartbeat must not create")

	_, err = f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)
	require.NoError(t, f.svc.Heartbeat(ctx, "dev-1"))

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(rec.LastActive))
	assert.True(t, t0.Equal(rec.LastUpdateTime), "heartbeat does not settle balance")
	assert.True(t, rec.Balance.IsZero())

	assert.ErrorIs(t, f.svc.Heartbeat(ctx, "bad id"), ErrInvalidInput)
}

func TestStart_KeepsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(8 * time.Hour)
	_, err = f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	rec, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(dec("23.04")), "balance %s", rec.Balance)
	assert.True(t, rec.IsMining)
	assert.True(t, f.clock.Now().Equal(rec.LastUpdateTime))
	assert.True(t, t0.Equal(rec.CreatedAt))
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reset(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	f.clock.Advance(4 * time.Hour)
	_, err = f.svc.Status(ctx, "dev-1")
	require.NoError(t, err)

	rec, err := f.svc.Reset(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
	assert.False(t, rec.IsMining)
	assert.True(t, t0.Equal(rec.CreatedAt))
}

func TestProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Projection(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	res, err := f.svc.Projection(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, res.Projection.Accruing)
	assert.Equal(t, int64(1), res.Projection.PendingPeriods)
	assert.Equal(t, 3*time.Hour, res.Projection.TimeLeft)

	// Nothing was written.
	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
	assert.True(t, t0.Equal(rec.LastActive))
}

func TestPublishesSnapshots(t *testing.T) {
	hub := feed.NewHub()
	defer hub.Close()
	f := newFixture(t, WithBroker(hub), WithMetrics(metrics.New()))

	ch, cancel, err := hub.Subscribe(context.Background(), "dev-1")
	require.NoError(t, err)
	defer cancel()

	_, err = f.svc.Start(context.Background(), "dev-1")
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.True(t, snap.IsMining)
		assert.Equal(t, t0.UnixMilli(), snap.LastUpdateTime)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
}

func TestStatus_ConcurrentCallersCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, "dev-1")
	require.NoError(t, err)
	f.clock.Advance(8 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Status(ctx, "dev-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := f.store.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(dec("23.04")), "balance %s", rec.Balance)
}
