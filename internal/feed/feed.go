// Package feed fans record snapshots out to live subscribers (the SSE stream
// and the client controller).
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
)

// Snapshot is the observable part of a record after a write.
type Snapshot struct {
	DeviceID       string          `json:"deviceId"`
	Balance        decimal.Decimal `json:"balance"`
	IsMining       bool            `json:"isMining"`
	IsMiningPaused bool            `json:"isMiningPaused"`
	LastUpdateTime int64           `json:"lastUpdateTime"`
	LastActive     int64           `json:"lastActive"`
}

// SnapshotOf builds a snapshot from rec.
func SnapshotOf(rec accrual.Record) Snapshot {
	return Snapshot{
		DeviceID:       rec.DeviceID,
		Balance:        rec.Balance,
		IsMining:       rec.IsMining,
		IsMiningPaused: rec.IsMiningPaused,
		LastUpdateTime: unixMilli(rec.LastUpdateTime),
		LastActive:     unixMilli(rec.LastActive),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Broker delivers snapshots per device id.
type Broker interface {
	Publish(ctx context.Context, snap Snapshot) error
	// Subscribe returns a channel of snapshots for deviceID. The channel is
	// closed after cancel is called or ctx is done.
	Subscribe(ctx context.Context, deviceID string) (<-chan Snapshot, func(), error)
	Close() error
}

// subscriberBuffer bounds each subscriber queue. Slow readers lose the
// oldest undelivered snapshots rather than blocking publishers.
const subscriberBuffer = 16
