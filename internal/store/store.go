// Package store defines the miner record store and the guarded write the
// reconciliation paths use. Backends live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
)

var (
	// ErrNotFound is returned when a device has no record.
	ErrNotFound = errors.New("miner record not found")
	// ErrConflict is returned by Apply when the record changed after it was read.
	ErrConflict = errors.New("miner record changed concurrently")
)

// Update is the write produced by one reconciliation pass. The Expect*
// fields are the values the pass was computed from; backends reject the
// write with ErrConflict when the stored record no longer matches them.
type Update struct {
	DeviceID string

	ExpectMining         bool
	ExpectPaused         bool
	ExpectLastUpdateTime time.Time
	// ExpectLastActive guards the pause decision against a concurrent heartbeat.
	ExpectLastActive time.Time

	// BalanceDelta is added with the backend's atomic increment.
	BalanceDelta   int64
	IsMiningPaused bool
	LastUpdateTime time.Time
	PausedAt       time.Time
	// LastActive is left untouched when nil.
	LastActive *time.Time
}

// NewUpdate builds the guarded write for outcome computed from rec.
func NewUpdate(rec accrual.Record, out accrual.Outcome) Update {
	u := Update{
		DeviceID:             rec.DeviceID,
		ExpectMining:         rec.IsMining,
		ExpectPaused:         rec.IsMiningPaused,
		ExpectLastUpdateTime: rec.LastUpdateTime,
		ExpectLastActive:     rec.LastActive,
		BalanceDelta:         accrual.ToMicros(out.BalanceDelta),
		IsMiningPaused:       out.IsMiningPaused,
		LastUpdateTime:       out.LastUpdateTime,
		PausedAt:             out.PausedAt,
	}
	if out.TouchActive {
		la := out.LastActive
		u.LastActive = &la
	}
	return u
}

// Store persists one record per device id.
type Store interface {
	// Get returns ErrNotFound for unknown devices.
	Get(ctx context.Context, deviceID string) (accrual.Record, error)
	// GetOrCreate returns the existing record, or inserts a fresh one stamped at now.
	GetOrCreate(ctx context.Context, deviceID string, now time.Time) (rec accrual.Record, created bool, err error)
	// Apply performs a guarded Update.
	Apply(ctx context.Context, u Update) error
	// Touch sets LastActive only. Unknown devices return ErrNotFound.
	Touch(ctx context.Context, deviceID string, at time.Time) error
	// Start turns mining on, creating the record if needed. Balance is kept.
	Start(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error)
	// Reset zeroes an existing record in place.
	Reset(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error)
	// ListMining returns every record with IsMining set, paused or not.
	ListMining(ctx context.Context) ([]accrual.Record, error)
	Close() error
}
