// Package mining runs the simulated mining operations on top of a record
// store: status checks, heartbeats, start/reset and the inactivity sweep.
package mining

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/feed"
	"github.com/b0ase/path402/apps/minesim/internal/metrics"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

var log = logrus.WithField("component", "mining")

// ServiceConfig holds mining service parameters.
type ServiceConfig struct {
	Params accrual.Params
	// MaxRetries bounds re-reads after a guarded write conflict.
	MaxRetries int
	// Workers bounds concurrent writes during a sweep.
	Workers int
}

// Option customises a Service.
type Option func(*Service)

// WithBroker publishes a snapshot after every write.
func WithBroker(b feed.Broker) Option {
	return func(s *Service) { s.broker = b }
}

// WithMetrics records operation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces the server clock. Tests use it to move time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is safe for concurrent use.
type Service struct {
	store   store.Store
	params  accrual.Params
	broker  feed.Broker
	metrics *metrics.Metrics
	now     func() time.Time

	maxRetries int
	workers    int
}

// NewService creates a mining service over st.
func NewService(st store.Store, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	s := &Service{
		store:      st,
		params:     cfg.Params,
		now:        serverNow,
		maxRetries: cfg.MaxRetries,
		workers:    cfg.Workers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stores keep millisecond precision; the guarded write compares against
// what was read back, so the clock must not produce finer instants.
func serverNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Params returns the accrual parameters in effect.
func (s *Service) Params() accrual.Params {
	return s.params
}

// StatusResult is the reconciled record plus what this call credited.
type StatusResult struct {
	Record           accrual.Record
	PeriodsElapsed   int64
	IncrementApplied decimal.Decimal
	Created          bool
	Paused           bool
	Resumed          bool
}

// Status reconciles the device's balance up to now and records activity.
// Unknown devices get a fresh record.
func (s *Service) Status(ctx context.Context, deviceID string) (StatusResult, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		s.metrics.Op("status", "invalid")
		return StatusResult{}, err
	}

	for attempt := 0; ; attempt++ {
		now := s.now()
		rec, created, err := s.store.GetOrCreate(ctx, deviceID, now)
		if err != nil {
			s.metrics.Op("status", "error")
			return StatusResult{}, unavailable("status", deviceID, err)
		}

		out := accrual.Reconcile(rec, now, s.params, accrual.TriggerActivity)
		if out.Changed() {
			err = s.store.Apply(ctx, store.NewUpdate(rec, out))
		} else {
			err = s.store.Touch(ctx, deviceID, now)
		}
		if errors.Is(err, store.ErrConflict) {
			s.metrics.Conflict()
			if attempt < s.maxRetries {
				log.Debugf("Status %s: record changed, retrying (%d)", deviceID, attempt+1)
				continue
			}
		}
		if err != nil {
			s.metrics.Op("status", "error")
			return StatusResult{}, unavailable("status", deviceID, err)
		}

		updated := out.Apply(rec)
		s.observe(out, accrual.TriggerActivity)
		if out.Changed() || created {
			s.publish(ctx, updated)
		}
		if out.Paused || out.Resumed {
			log.Infof("Device %s %s on status check", deviceID, transitionName(out))
		}
		s.metrics.Op("status", "ok")
		return StatusResult{
			Record:           updated,
			PeriodsElapsed:   out.Periods,
			IncrementApplied: out.BalanceDelta,
			Created:          created,
			Paused:           out.Paused,
			Resumed:          out.Resumed,
		}, nil
	}
}

// Heartbeat records activity. It never creates a record.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		s.metrics.Op("heartbeat", "invalid")
		return err
	}
	err := s.store.Touch(ctx, deviceID, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.Op("heartbeat", "not_found")
		return fmt.Errorf("heartbeat %s: %w", deviceID, ErrNotFound)
	case err != nil:
		s.metrics.Op("heartbeat", "error")
		return unavailable("heartbeat", deviceID, err)
	}
	s.metrics.Op("heartbeat", "ok")
	return nil
}

// Start turns mining on. The balance and creation time are preserved.
func (s *Service) Start(ctx context.Context, deviceID string) (accrual.Record, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		s.metrics.Op("start", "invalid")
		return accrual.Record{}, err
	}
	rec, err := s.store.Start(ctx, deviceID, s.now())
	if err != nil {
		s.metrics.Op("start", "error")
		return accrual.Record{}, unavailable("start", deviceID, err)
	}
	log.Infof("Device %s started mining (balance %s)", deviceID, rec.Balance)
	s.metrics.Op("start", "ok")
	s.publish(ctx, rec)
	return rec, nil
}

// Reset zeroes the balance and stops mining.
func (s *Service) Reset(ctx context.Context, deviceID string) (accrual.Record, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		s.metrics.Op("reset", "invalid")
		return accrual.Record{}, err
	}
	rec, err := s.store.Reset(ctx, deviceID, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.Op("reset", "not_found")
		return accrual.Record{}, fmt.Errorf("reset %s: %w", deviceID, ErrNotFound)
	case err != nil:
		s.metrics.Op("reset", "error")
		return accrual.Record{}, unavailable("reset", deviceID, err)
	}
	log.Infof("Device %s reset", deviceID)
	s.metrics.Op("reset", "ok")
	s.publish(ctx, rec)
	return rec, nil
}

// ProjectionResult is a read-only preview of the next accrual.
type ProjectionResult struct {
	Record     accrual.Record
	Projection accrual.Projection
	At         time.Time
}

// Projection previews the device's accrual without writing anything.
func (s *Service) Projection(ctx context.Context, deviceID string) (ProjectionResult, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return ProjectionResult{}, err
	}
	rec, err := s.store.Get(ctx, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ProjectionResult{}, fmt.Errorf("projection %s: %w", deviceID, ErrNotFound)
	case err != nil:
		return ProjectionResult{}, unavailable("projection", deviceID, err)
	}
	now := s.now()
	return ProjectionResult{
		Record:     rec,
		Projection: accrual.Project(rec, now, s.params),
		At:         now,
	}, nil
}

func (s *Service) observe(out accrual.Outcome, trigger accrual.Trigger) {
	if out.Paused {
		s.metrics.Transition("pause", trigger.String())
	}
	if out.Resumed {
		s.metrics.Transition("resume", trigger.String())
	}
	s.metrics.Credited(out.Periods)
}

func (s *Service) publish(ctx context.Context, rec accrual.Record) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, feed.SnapshotOf(rec)); err != nil {
		log.Warnf("Publish %s: %v", rec.DeviceID, err)
	}
}

func transitionName(out accrual.Outcome) string {
	switch {
	case out.Paused:
		return "paused"
	case out.Resumed:
		return "resumed"
	default:
		return "unchanged"
	}
}
