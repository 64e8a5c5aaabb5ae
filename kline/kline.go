// Package kline defines the candlestick bar type and the bounded per-(symbol,
// timeframe) window the rest of the engine reads rolling history from.
package kline

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOHLC       = errors.New("kline: low/high/open/close out of order")
	ErrNonPositivePrice  = errors.New("kline: price must be positive")
	ErrNegativeVolume    = errors.New("kline: volume must not be negative")
)

// Kline is an immutable OHLCV bar for one (symbol, timeframe, timestamp).
type Kline struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}

// Validate enforces the OHLC invariants from the data model: low <= min(open,
// close) <= max(open, close) <= high, all prices positive, volume non-negative.
func (k Kline) Validate() error {
	if k.Open.LessThanOrEqual(decimal.Zero) || k.High.LessThanOrEqual(decimal.Zero) ||
		k.Low.LessThanOrEqual(decimal.Zero) || k.Close.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositivePrice
	}
	if k.Volume.LessThan(decimal.Zero) {
		return ErrNegativeVolume
	}
	lowerBody := decimal.Min(k.Open, k.Close)
	upperBody := decimal.Max(k.Open, k.Close)
	if k.Low.GreaterThan(lowerBody) || lowerBody.GreaterThan(upperBody) || upperBody.GreaterThan(k.High) {
		return ErrInvalidOHLC
	}
	return nil
}

func (k Kline) IsBullish() bool { return k.Close.GreaterThan(k.Open) }
func (k Kline) IsBearish() bool { return k.Close.LessThan(k.Open) }

func (k Kline) BodySize() decimal.Decimal {
	return k.Close.Sub(k.Open).Abs()
}

func (k Kline) RangeSize() decimal.Decimal {
	return k.High.Sub(k.Low)
}

// TimeframeMinutes is the static table of supported timeframes (§4.2).
var TimeframeMinutes = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
}
