package store

import (
	"time"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
)

// Row is the flat encoding shared by the key-value backends: balance in
// micro-units, timestamps in Unix milliseconds, zero meaning unset.
type Row struct {
	DeviceID       string `json:"device_id" mapstructure:"device_id"`
	BalanceMicros  int64  `json:"balance_micros" mapstructure:"balance_micros"`
	IsMining       bool   `json:"is_mining" mapstructure:"is_mining"`
	IsMiningPaused bool   `json:"is_mining_paused" mapstructure:"is_mining_paused"`
	LastUpdateTime int64  `json:"last_update_time" mapstructure:"last_update_time"`
	LastActive     int64  `json:"last_active" mapstructure:"last_active"`
	CreatedAt      int64  `json:"created_at" mapstructure:"created_at"`
	PausedAt       int64  `json:"paused_at" mapstructure:"paused_at"`
}

// RowFrom encodes rec.
func RowFrom(rec accrual.Record) Row {
	return Row{
		DeviceID:       rec.DeviceID,
		BalanceMicros:  accrual.ToMicros(rec.Balance),
		IsMining:       rec.IsMining,
		IsMiningPaused: rec.IsMiningPaused,
		LastUpdateTime: Millis(rec.LastUpdateTime),
		LastActive:     Millis(rec.LastActive),
		CreatedAt:      Millis(rec.CreatedAt),
		PausedAt:       Millis(rec.PausedAt),
	}
}

// Record decodes r.
func (r Row) Record() accrual.Record {
	return accrual.Record{
		DeviceID:       r.DeviceID,
		Balance:        accrual.FromMicros(r.BalanceMicros),
		IsMining:       r.IsMining,
		IsMiningPaused: r.IsMiningPaused,
		LastUpdateTime: FromMillis(r.LastUpdateTime),
		LastActive:     FromMillis(r.LastActive),
		CreatedAt:      FromMillis(r.CreatedAt),
		PausedAt:       FromMillis(r.PausedAt),
	}
}

// Matches reports whether the stored row still has the values u was computed from.
func (r Row) Matches(u Update) bool {
	return r.IsMining == u.ExpectMining &&
		r.IsMiningPaused == u.ExpectPaused &&
		r.LastUpdateTime == Millis(u.ExpectLastUpdateTime) &&
		r.LastActive == Millis(u.ExpectLastActive)
}

// ApplyTo folds u into r without checking the guard.
func (u Update) ApplyTo(r *Row) {
	r.BalanceMicros += u.BalanceDelta
	r.IsMiningPaused = u.IsMiningPaused
	r.LastUpdateTime = Millis(u.LastUpdateTime)
	r.PausedAt = Millis(u.PausedAt)
	if u.LastActive != nil {
		r.LastActive = Millis(*u.LastActive)
	}
}

// Millis encodes t, mapping the zero time to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis decodes ms, mapping 0 to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
