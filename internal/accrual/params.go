package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MicroExp is the fixed-point exponent stores use to persist balances as
// integers. 11.52 is stored as 11520000.
const MicroExp = 6

// Params are the accrual constants. Every component that reads or writes a
// miner record must share one Params value.
type Params struct {
	PeriodDuration  time.Duration
	Increment       decimal.Decimal
	InactivityLimit time.Duration
}

// DefaultParams returns the production constants: 11.52 units every 4 hours,
// paused after 12 hours without activity.
func DefaultParams() Params {
	return Params{
		PeriodDuration:  4 * time.Hour,
		Increment:       decimal.RequireFromString("11.52"),
		InactivityLimit: 12 * time.Hour,
	}
}

// Validate rejects constants the engine cannot work with.
func (p Params) Validate() error {
	if p.PeriodDuration <= 0 {
		return fmt.Errorf("period duration must be positive, got %v", p.PeriodDuration)
	}
	if p.InactivityLimit <= 0 {
		return fmt.Errorf("inactivity limit must be positive, got %v", p.InactivityLimit)
	}
	if p.Increment.Sign() < 0 {
		return fmt.Errorf("increment must not be negative, got %s", p.Increment)
	}
	if !p.Increment.Shift(MicroExp).IsInteger() {
		return fmt.Errorf("increment %s has more than %d decimal places", p.Increment, MicroExp)
	}
	return nil
}

// ToMicros converts a balance to the integer representation used by stores.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(MicroExp).Round(0).IntPart()
}

// FromMicros is the inverse of ToMicros.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -MicroExp)
}
