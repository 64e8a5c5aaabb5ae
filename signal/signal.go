// Package signal defines the emitted trading signal, its deterministic
// identity, and the outcome/streak bookkeeping types shared by the strategy
// runtime and the outcome tracker.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the signal's side.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	if d == Long {
		return "LONG"
	}
	return "SHORT"
}

// Outcome is the resolution state of a signal. There is no TIMEOUT value —
// per the design notes, a timed-out signal stays ACTIVE and callers infer
// "timed out" from elapsed time (§9 open question 2).
type Outcome string

const (
	Active Outcome = "active"
	TP     Outcome = "tp"
	SL     Outcome = "sl"
)

// GenerateID computes the deterministic signal id: the first 32 hex
// characters of sha256("strategy:symbol:timeframe:signal_time_us:direction").
func GenerateID(strategy, symbol, timeframe string, signalTime time.Time, direction Direction) string {
	preimage := fmt.Sprintf("%s:%s:%s:%d:%d", strategy, symbol, timeframe, signalTime.UnixMicro(), int(direction))
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])[:32]
}

// Record is the emitted signal. mae_ratio/mfe_ratio/max_atr mutate while
// Outcome == Active; every other field is set once at emission and never
// changes.
type Record struct {
	ID              string
	RunID           string // backtest only; empty for live
	Strategy        string
	Symbol          string
	Timeframe       string
	SignalTime      time.Time
	Direction       Direction
	EntryPrice      decimal.Decimal
	TPPrice         decimal.Decimal
	SLPrice         decimal.Decimal
	ATRAtSignal     float64
	MaxATR          float64
	StreakAtSignal  int
	MAERatio        float64
	MFERatio        float64
	Outcome         Outcome
	OutcomeTime     *time.Time
	OutcomePrice    *decimal.Decimal

	// Strategy-specific extras, e.g. ema_fast/ema_slow for ema_crossover.
	Extra map[string]float64
}

// New constructs a Record with its deterministic ID already set and Outcome
// initialized to Active.
func New(strategy, symbol, timeframe string, signalTime time.Time, direction Direction, entry, tp, sl decimal.Decimal) Record {
	return Record{
		ID:         GenerateID(strategy, symbol, timeframe, signalTime, direction),
		Strategy:   strategy,
		Symbol:     symbol,
		Timeframe:  timeframe,
		SignalTime: signalTime,
		Direction:  direction,
		EntryPrice: entry,
		TPPrice:    tp,
		SLPrice:    sl,
		Outcome:    Active,
	}
}

// RiskAmount is |entry - sl|, always strictly positive by construction.
func (r Record) RiskAmount() decimal.Decimal {
	return r.EntryPrice.Sub(r.SLPrice).Abs()
}

// RewardAmount is |tp - entry|.
func (r Record) RewardAmount() decimal.Decimal {
	return r.TPPrice.Sub(r.EntryPrice).Abs()
}

// UpdateMAE folds one observed price into mae_ratio/mfe_ratio. It is a no-op
// once the signal is no longer Active or if risk_amount is zero. mae/mfe only
// ever increase (monotonic while Active), matching §3's invariant.
func (r *Record) UpdateMAE(price decimal.Decimal) {
	if r.Outcome != Active {
		return
	}
	risk := r.RiskAmount()
	if risk.IsZero() {
		return
	}
	var adverse, favorable decimal.Decimal
	if r.Direction == Long {
		adverse = r.EntryPrice.Sub(price)
		favorable = price.Sub(r.EntryPrice)
	} else {
		adverse = price.Sub(r.EntryPrice)
		favorable = r.EntryPrice.Sub(price)
	}
	if adverse.IsNegative() {
		adverse = decimal.Zero
	}
	if favorable.IsNegative() {
		favorable = decimal.Zero
	}
	maeRatio, _ := adverse.Div(risk).Float64()
	mfeRatio, _ := favorable.Div(risk).Float64()
	if maeRatio > r.MAERatio {
		r.MAERatio = maeRatio
	}
	if mfeRatio > r.MFERatio {
		r.MFERatio = mfeRatio
	}
}

// CheckOutcome applies the first-touch rule used by the live trade-tick path
// (§4.4 process_trade / §9 open question 1): LONG resolves TP if price >= tp,
// SL if price <= sl; SHORT is mirrored. Returns true if the outcome changed.
func (r *Record) CheckOutcome(price decimal.Decimal, at time.Time) bool {
	if r.Outcome != Active {
		return false
	}
	var hitTP, hitSL bool
	if r.Direction == Long {
		hitTP = price.GreaterThanOrEqual(r.TPPrice)
		hitSL = price.LessThanOrEqual(r.SLPrice)
	} else {
		hitTP = price.LessThanOrEqual(r.TPPrice)
		hitSL = price.GreaterThanOrEqual(r.SLPrice)
	}
	switch {
	case hitTP:
		r.resolve(TP, r.TPPrice, at)
		return true
	case hitSL:
		r.resolve(SL, r.SLPrice, at)
		return true
	default:
		return false
	}
}

func (r *Record) resolve(outcome Outcome, price decimal.Decimal, at time.Time) {
	r.Outcome = outcome
	t := at
	p := price
	r.OutcomeTime = &t
	r.OutcomePrice = &p
}
