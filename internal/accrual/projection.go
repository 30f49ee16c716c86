package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// Projection is a read-only forecast for a record, used by debug views.
type Projection struct {
	Accruing       bool            `json:"accruing"`
	PendingPeriods int64           `json:"pendingPeriods"`
	PendingReward  decimal.Decimal `json:"pendingReward"`
	NextAccrualAt  time.Time       `json:"nextAccrualAt"`
	TimeLeft       time.Duration   `json:"timeLeft"`
	InactiveFor    time.Duration   `json:"inactiveFor"`
	PausesAt       time.Time       `json:"pausesAt"`
}

// Project forecasts what the next sweep would do to rec at now without
// counting the caller as activity.
func Project(rec Record, now time.Time, p Params) Projection {
	out := Reconcile(rec, now, p, TriggerSweep)
	view := out.Apply(rec)

	pr := Projection{
		Accruing:       view.Accruing(),
		PendingPeriods: out.Periods,
		PendingReward:  out.BalanceDelta,
		InactiveFor:    now.Sub(orNow(rec.LastActive, now)),
	}
	if !pr.Accruing {
		return pr
	}

	pr.NextAccrualAt = view.LastUpdateTime.Add(p.PeriodDuration)
	pr.TimeLeft = pr.NextAccrualAt.Sub(now)
	pr.PausesAt = view.LastActive.Add(p.InactivityLimit)
	return pr
}
