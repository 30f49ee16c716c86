package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/path402/apps/minesim/internal/feed"
)

var log = logrus.WithField("component", "controller")

// API is the subset of Client the controller drives.
type API interface {
	Status(ctx context.Context, deviceID string) (Status, error)
	Heartbeat(ctx context.Context, deviceID string) error
	Start(ctx context.Context, deviceID string) error
}

// Subscriber streams snapshots for one device. Client and feed.Broker both
// satisfy it.
type Subscriber interface {
	Subscribe(ctx context.Context, deviceID string) (<-chan feed.Snapshot, func(), error)
}

// State is the controller's mirror of the server record.
type State struct {
	Balance        decimal.Decimal
	IsMining       bool
	IsMiningPaused bool
	LastUpdateTime int64
	LastActive     int64
	UpdatedAt      time.Time
}

type ControllerConfig struct {
	DeviceID          string
	StatusInterval    time.Duration // Status poll while mining (default 1m)
	HeartbeatInterval time.Duration // Heartbeat while mining and unpaused (default 30s)
	ReconnectDelay    time.Duration // Wait before re-subscribing after the stream drops (default 5s)
	OnChange          func(State)
}

// Controller keeps a device mining: it polls Status, sends heartbeats and
// mirrors pushed snapshots.
type Controller struct {
	api API
	sub Subscriber
	cfg ControllerConfig

	mu    sync.RWMutex
	state State
}

// NewController creates a controller. sub may be nil, in which case the
// state only changes on polls.
func NewController(api API, sub Subscriber, cfg ControllerConfig) (*Controller, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("controller: device id required")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Controller{api: api, sub: sub, cfg: cfg}, nil
}

// State returns the last observed state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start begins mining on explicit request and refreshes the state.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.api.Start(ctx, c.cfg.DeviceID); err != nil {
		return err
	}
	return c.refresh(ctx)
}

// Run drives the loops until ctx is done. The first Status call creates
// the record if needed; its failure is logged, not fatal.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
		log.Warnf("Initial status for %s failed: %v", c.cfg.DeviceID, err)
	}

	var wg sync.WaitGroup
	if c.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.follow(ctx)
		}()
	}
	defer wg.Wait()

	status := time.NewTicker(c.cfg.StatusInterval)
	defer status.Stop()
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-status.C:
			// Paused devices still poll so that returning activity resumes them.
			if !c.State().IsMining {
				continue
			}
			if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("Status for %s failed: %v", c.cfg.DeviceID, err)
			}
		case <-heartbeat.C:
			st := c.State()
			if !st.IsMining || st.IsMiningPaused {
				continue
			}
			if err := c.api.Heartbeat(ctx, c.cfg.DeviceID); err != nil && ctx.Err() == nil {
				log.Warnf("Heartbeat for %s failed: %v", c.cfg.DeviceID, err)
			}
		}
	}
}

func (c *Controller) refresh(ctx context.Context) error {
	st, err := c.api.Status(ctx, c.cfg.DeviceID)
	if err != nil {
		return err
	}
	c.apply(feed.Snapshot{
		DeviceID:       st.DeviceID,
		Balance:        st.Balance,
		IsMining:       st.IsMining,
		IsMiningPaused: st.IsMiningPaused,
		LastUpdateTime: st.LastUpdateTime,
		LastActive:     st.LastActive,
	})
	return nil
}

// follow mirrors the snapshot stream, re-subscribing when it ends.
func (c *Controller) follow(ctx context.Context) {
	for {
		ch, cancel, err := c.sub.Subscribe(ctx, c.cfg.DeviceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("Subscribe for %s failed: %v", c.cfg.DeviceID, err)
		} else {
			for snap := range ch {
				c.apply(snap)
			}
			cancel()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// apply records snap unless it predates the current state. Every write
// carries the latest activity time, so an older LastActive is stale.
func (c *Controller) apply(snap feed.Snapshot) {
	c.mu.Lock()
	if snap.LastActive < c.state.LastActive {
		c.mu.Unlock()
		return
	}
	next := State{
		Balance:        snap.Balance,
		IsMining:       snap.IsMining,
		IsMiningPaused: snap.IsMiningPaused,
		LastUpdateTime: snap.LastUpdateTime,
		LastActive:     snap.LastActive,
		UpdatedAt:      time.Now(),
	}
	changed := !next.Balance.Equal(c.state.Balance) ||
		next.IsMining != c.state.IsMining ||
		next.IsMiningPaused != c.state.IsMiningPaused ||
		next.LastUpdateTime != c.state.LastUpdateTime ||
		next.LastActive != c.state.LastActive
	c.state = next
	c.mu.Unlock()

	if changed && c.cfg.OnChange != nil {
		c.cfg.OnChange(next)
	}
}
