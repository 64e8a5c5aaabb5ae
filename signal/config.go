package signal

import "github.com/shopspring/decimal"

// Config is the set of recognized strategy tuning knobs (§3). Concrete
// strategies interpret a subset of these fields; unused fields are ignored
// rather than rejected, matching the reference stack's tolerant config
// structs.
type Config struct {
	EMAPeriod      int
	FastEMAPeriod  int // EMA-Crossover only
	SlowEMAPeriod  int // EMA-Crossover only
	FibPeriod      int
	ATRPeriod      int
	TPAtrMult      decimal.Decimal
	SLAtrMult      decimal.Decimal
	TouchTolerance decimal.Decimal
}

// DefaultMSRConfig mirrors the reference implementation's tuned defaults for
// msr_retest_capture: ema_period=50, fib_period=9, atr_period=9,
// tp_atr_mult=2.0, sl_atr_mult=8.84 (= 2 * 4.42).
func DefaultMSRConfig() Config {
	return Config{
		EMAPeriod:      50,
		FibPeriod:      9,
		ATRPeriod:      9,
		TPAtrMult:      decimal.NewFromFloat(2.0),
		SLAtrMult:      decimal.NewFromFloat(8.84),
		TouchTolerance: decimal.NewFromFloat(0.001),
	}
}

// DefaultEMACrossoverConfig mirrors the reference defaults: fast=20, slow=50,
// atr_period=9, tp_atr_mult=2.0, sl_atr_mult=4.0.
func DefaultEMACrossoverConfig() Config {
	return Config{
		FastEMAPeriod: 20,
		SlowEMAPeriod: 50,
		ATRPeriod:     9,
		TPAtrMult:     decimal.NewFromFloat(2.0),
		SLAtrMult:     decimal.NewFromFloat(4.0),
	}
}

// Filter gates signal emission for one (symbol, timeframe) pair.
type Filter struct {
	Enabled                 bool
	StreakLo                int
	StreakHi                int
	AtrPctThreshold         float64
	PositionQty             decimal.Decimal
	MaxConsecutiveLossMonths int
}

// DefaultFilter is permissive: enabled, no streak gating, no ATR threshold.
func DefaultFilter() Filter {
	return Filter{
		Enabled:  true,
		StreakLo: -1 << 30,
		StreakHi: 1 << 30,
	}
}

// Allows reports whether streak currently satisfies this filter's gate.
func (f Filter) AllowsStreak(streak int) bool {
	return f.Enabled && streak >= f.StreakLo && streak <= f.StreakHi
}
