package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/metrics"
	"github.com/b0ase/path402/apps/minesim/internal/mining"
	"github.com/b0ase/path402/apps/minesim/internal/server"
	"github.com/b0ase/path402/apps/minesim/internal/store/boltstore"
)

const testSecret = "s3cret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*httptest.Server, *clock, *feed.Hub) {
	t.Helper()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "miners.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := feed.NewHub()
	t.Cleanup(func() { hub.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := metrics.New()
	svc := mining.NewService(st, mining.ServiceConfig{Params: accrual.DefaultParams()},
		mining.WithClock(clk.Now), mining.WithBroker(hub), mining.WithMetrics(m))
	srv := server.New(server.Options{SweepSecret: testSecret}, svc, hub, nil, m)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, clk, hub
}

func TestClient_StatusStartAccrue(t *testing.T) {
	ts, clk, _ := newTestServer(t)
	c := New(ts.URL + "/")
	ctx := context.Background()

	st, err := c.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.True(t, st.Balance.IsZero())
	assert.False(t, st.IsMining)

	require.NoError(t, c.Start(ctx, "dev-1"))
	clk.Advance(8*time.Hour + time.Minute)

	st, err = c.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, st.IsMining)
	assert.Equal(t, int64(2), st.PeriodsElapsed)
	assert.True(t, decimal.RequireFromString("23.04").Equal(st.Balance), st.Balance.String())

	p, err := c.Projection(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, p.Accruing)
	assert.Equal(t, (4*time.Hour - time.Minute).Milliseconds(), p.TimeLeftMs)
}

func TestClient_Errors(t *testing.T) {
	ts, _, _ := newTestServer(t)
	ctx := context.Background()
	c := New(ts.URL)

	var apiErr *APIError
	err := c.Heartbeat(ctx, "ghost")
	require.True(t, errors.As(err, &apiErr), "%v", err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	_, err = c.Status(ctx, "bad id!")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)

	_, err = c.CheckInactivity(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_SecretCalls(t *testing.T) {
	ts, clk, _ := newTestServer(t)
	ctx := context.Background()
	c := New(ts.URL, WithSecret(testSecret))

	require.NoError(t, c.Start(ctx, "dev-1"))
	clk.Advance(13 * time.Hour)

	res, err := c.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Paused)

	require.NoError(t, c.Reset(ctx, "dev-1"))
	st, err := c.Status(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, st.Balance.IsZero())
	assert.False(t, st.IsMining)
}

func TestClient_Subscribe(t *testing.T) {
	ts, clk, hub := newTestServer(t)
	c := New(ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx, "dev-1"))

	ch, stop, err := c.Subscribe(ctx, "dev-1")
	require.NoError(t, err)
	defer stop()

	first := <-ch
	assert.Equal(t, "dev-1", first.DeviceID)
	assert.True(t, first.IsMining)

	require.Eventually(t, func() bool { return hub.Subscribers("dev-1") == 1 }, time.Second, 10*time.Millisecond)
	clk.Advance(4 * time.Hour)
	_, err = c.Status(ctx, "dev-1")
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, "11.52", snap.Balance.String())
	case <-ctx.Done():
		t.Fatal("no snapshot after accrual")
	}

	stop()
	for range ch {
	}
}

func TestClient_SubscribeRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, _, err := New(ts.URL).Subscribe(context.Background(), "bad id!")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		": comment",
		"event: ping",
		"data: {}",
		"",
		"event:snapshot",
		"data: {\"a\":",
		"data: 1}",
		"",
		"data: bare",
		"",
		"event: dangling",
		"",
	}, "\n")

	type ev struct{ name, data string }
	var got []ev
	readEvents(strings.NewReader(body), func(event, data string) {
		got = append(got, ev{event, data})
	})
	assert.Equal(t, []ev{
		{"ping", "{}"},
		{"snapshot", "{\"a\":\n1}"},
		{"message", "bare"},
	}, got)
}

type fakeAPI struct {
	mu         sync.Mutex
	status     Status
	statuses   int
	heartbeats int
	starts     int
}

func (f *fakeAPI) Status(ctx context.Context, deviceID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	return f.status, nil
}

func (f *fakeAPI) Heartbeat(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeAPI) Start(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.status.IsMining = true
	f.status.IsMiningPaused = false
	f.status.LastActive++
	return nil
}

func (f *fakeAPI) counts() (statuses, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses, f.heartbeats
}

func (f *fakeAPI) set(fn func(*Status)) {
	f.mu.Lock()
	fn(&f.status)
	f.mu.Unlock()
}

func runController(t *testing.T, ctrl *Controller) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, ctrl.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestNewController_RequiresDevice(t *testing.T) {
	_, err := NewController(&fakeAPI{}, nil, ControllerConfig{})
	assert.Error(t, err)
}

func TestController_IdleSendsNothing(t *testing.T) {
	api := &fakeAPI{status: Status{DeviceID: "dev-1", LastActive: 1}}
	ctrl, err := NewController(api, nil, ControllerConfig{
		DeviceID:          "dev-1",
		StatusInterval:    5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	stop := runController(t, ctrl)
	time.Sleep(60 * time.Millisecond)
	stop()

	statuses, heartbeats := api.counts()
	assert.Equal(t, 1, statuses, "only the initial status while not mining")
	assert.Zero(t, heartbeats)
}

func TestController_MiningLoops(t *testing.T) {
	api := &fakeAPI{status: Status{DeviceID: "dev-1", LastActive: 1}}
	changes := make(chan State, 16)
	ctrl, err := NewController(api, nil, ControllerConfig{
		DeviceID:          "dev-1",
		StatusInterval:    5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		OnChange: func(s State) {
			select {
			case changes <- s:
			default:
			}
		},
	})
	require.NoError(t, err)

	stop := runController(t, ctrl)
	defer stop()

	require.NoError(t, ctrl.Start(context.Background()))
	assert.True(t, ctrl.State().IsMining)
	sawMining := false
	for len(changes) > 0 {
		if s := <-changes; s.IsMining {
			sawMining = true
		}
	}
	assert.True(t, sawMining, "OnChange reports the start")

	require.Eventually(t, func() bool {
		statuses, heartbeats := api.counts()
		return statuses >= 3 && heartbeats >= 2
	}, time.Second, 5*time.Millisecond)

	// Paused: polls continue, heartbeats stop.
	api.set(func(s *Status) { s.IsMiningPaused = true })
	require.Eventually(t, func() bool { return ctrl.State().IsMiningPaused }, time.Second, 5*time.Millisecond)
	_, hbBefore := api.counts()
	stBefore, _ := api.counts()
	time.Sleep(50 * time.Millisecond)
	stAfter, hbAfter := api.counts()
	assert.Greater(t, stAfter, stBefore)
	assert.LessOrEqual(t, hbAfter, hbBefore+1, "at most one heartbeat already in flight")
}

func TestController_MirrorsStream(t *testing.T) {
	ts, _, _ := newTestServer(t)
	c := New(ts.URL)

	ctrl, err := NewController(c, c, ControllerConfig{
		DeviceID:       "dev-1",
		StatusInterval: time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	stop := runController(t, ctrl)
	defer stop()

	// Initial status creates the record.
	require.Eventually(t, func() bool { return ctrl.State().LastActive != 0 }, 2*time.Second, 10*time.Millisecond)

	// Start through the raw client so only the stream can report it.
	require.NoError(t, c.Start(context.Background(), "dev-1"))
	require.Eventually(t, func() bool { return ctrl.State().IsMining }, 2*time.Second, 10*time.Millisecond)
}

func TestController_DropsStaleSnapshots(t *testing.T) {
	ctrl, err := NewController(&fakeAPI{}, nil, ControllerConfig{DeviceID: "dev-1"})
	require.NoError(t, err)

	ctrl.apply(feed.Snapshot{DeviceID: "dev-1", IsMining: true, LastActive: 200})
	ctrl.apply(feed.Snapshot{DeviceID: "dev-1", IsMining: false, LastActive: 100})
	assert.True(t, ctrl.State().IsMining)

	ctrl.apply(feed.Snapshot{DeviceID: "dev-1", IsMining: true, IsMiningPaused: true, LastActive: 200})
	assert.True(t, ctrl.State().IsMiningPaused)
}
