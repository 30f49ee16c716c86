// Package accrual holds the balance reconciliation rules for simulated mining.
//
// Nothing in this package touches storage. Reconcile looks at a record
// snapshot and the current time and reports what should change; callers
// (request handlers, the sweep, client-side previews) apply the result.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the persisted state of one device.
type Record struct {
	DeviceID       string          `json:"deviceId"`
	Balance        decimal.Decimal `json:"balance"`
	IsMining       bool            `json:"isMining"`
	IsMiningPaused bool            `json:"isMiningPaused"`
	LastUpdateTime time.Time       `json:"lastUpdateTime"`
	LastActive     time.Time       `json:"lastActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	PausedAt       time.Time       `json:"pausedAt"`
}

// Accruing reports whether the record currently earns balance.
func (r Record) Accruing() bool {
	return r.IsMining && !r.IsMiningPaused
}

// Trigger tells Reconcile whether the call represents observed activity.
type Trigger int

const (
	// TriggerActivity is a client-initiated check. LastActive moves to now.
	TriggerActivity Trigger = iota
	// TriggerSweep is the background job. LastActive is left alone.
	TriggerSweep
)

func (t Trigger) String() string {
	switch t {
	case TriggerActivity:
		return "activity"
	case TriggerSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	// Paused and Resumed mark pause-state transitions made by this pass.
	Paused  bool
	Resumed bool
	// Normalized is set when a stale pause flag on a non-mining record was cleared.
	Normalized bool

	Periods      int64
	BalanceDelta decimal.Decimal

	IsMiningPaused bool
	LastUpdateTime time.Time
	LastActive     time.Time
	PausedAt       time.Time

	// TouchActive is true when LastActive should be written.
	TouchActive bool
}

// Changed reports whether anything other than LastActive needs persisting.
func (o Outcome) Changed() bool {
	return o.Paused || o.Resumed || o.Normalized || o.Periods > 0
}

// Apply returns rec with the outcome folded in.
func (o Outcome) Apply(rec Record) Record {
	rec.Balance = rec.Balance.Add(o.BalanceDelta)
	rec.IsMiningPaused = o.IsMiningPaused
	rec.LastUpdateTime = o.LastUpdateTime
	rec.LastActive = o.LastActive
	rec.PausedAt = o.PausedAt
	return rec
}

// Reconcile settles rec up to now.
//
// Inactivity is measured against the stored LastActive, before this call's
// own activity is counted. A pass that pauses never accrues. A pass that
// resumes restarts the period at now, so time spent paused earns nothing.
// LastUpdateTime advances by whole periods only; the fractional remainder
// carries into the next call.
func Reconcile(rec Record, now time.Time, p Params, trigger Trigger) Outcome {
	lastUpdate := orNow(rec.LastUpdateTime, now)
	lastActive := orNow(rec.LastActive, now)

	out := Outcome{
		BalanceDelta:   decimal.Zero,
		IsMiningPaused: rec.IsMiningPaused,
		LastUpdateTime: lastUpdate,
		LastActive:     lastActive,
		PausedAt:       rec.PausedAt,
	}

	inactiveFor := now.Sub(lastActive)

	switch {
	case !rec.IsMining:
		if rec.IsMiningPaused {
			out.IsMiningPaused = false
			out.Normalized = true
		}
	case !rec.IsMiningPaused && inactiveFor > p.InactivityLimit:
		out.IsMiningPaused = true
		out.PausedAt = now
		out.Paused = true
	case rec.IsMiningPaused && inactiveFor < p.InactivityLimit:
		out.IsMiningPaused = false
		out.LastUpdateTime = now
		out.Resumed = true
	}

	if rec.IsMining && !out.IsMiningPaused && !out.Paused {
		elapsed := now.Sub(out.LastUpdateTime)
		if elapsed > 0 && p.PeriodDuration > 0 {
			periods := int64(elapsed / p.PeriodDuration)
			if periods > 0 {
				out.Periods = periods
				out.BalanceDelta = p.Increment.Mul(decimal.NewFromInt(periods))
				out.LastUpdateTime = out.LastUpdateTime.Add(time.Duration(periods) * p.PeriodDuration)
			}
		}
	}

	if trigger == TriggerActivity {
		out.LastActive = now
		out.TouchActive = true
	}
	return out
}

// NewRecord is the state of a device seen for the first time.
func NewRecord(deviceID string, now time.Time) Record {
	return Record{
		DeviceID:       deviceID,
		Balance:        decimal.Zero,
		LastUpdateTime: now,
		LastActive:     now,
		CreatedAt:      now,
	}
}

// StartRecord applies an explicit start request. Balance and CreatedAt are kept.
func StartRecord(rec Record, now time.Time) Record {
	rec.IsMining = true
	rec.IsMiningPaused = false
	rec.PausedAt = time.Time{}
	rec.LastUpdateTime = now
	rec.LastActive = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec
}

// ResetRecord zeroes a record in place.
func ResetRecord(rec Record, now time.Time) Record {
	rec.Balance = decimal.Zero
	rec.IsMining = false
	rec.IsMiningPaused = false
	rec.LastUpdateTime = now
	rec.LastActive = now
	rec.PausedAt = time.Time{}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
