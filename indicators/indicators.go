// Package indicators implements the pure hot-path math the strategy runtime
// evaluates on every closed bar. Inputs are decimal (the persisted kline
// columns); outputs are float64, per the decimal-vs-float split in the
// design notes — nothing in here touches a store or a clock.
package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

func toFloats(vs []decimal.Decimal) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i], _ = v.Float64()
	}
	return out
}

// SMA returns the simple moving average series for period p: NaN for the
// first p-1 positions, then the arithmetic mean of the trailing p values.
func SMA(values []float64, p int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		for j := i - p + 1; j <= i; j++ {
			sum += values[j]
		}
		out[i] = sum / float64(p)
	}
	return out
}

// EMA seeds with the p-point SMA, then recurses with alpha = 2/(p+1).
func EMA(values []float64, p int) []float64 {
	out := make([]float64, len(values))
	sma := SMA(values, p)
	alpha := 2.0 / (float64(p) + 1.0)
	for i := range out {
		switch {
		case i < p-1:
			out[i] = math.NaN()
		case i == p-1:
			out[i] = sma[i]
		default:
			out[i] = alpha*values[i] + (1-alpha)*out[i-1]
		}
	}
	return out
}

// TrueRange computes TR_t = max(high-low, |high-prevClose|, |low-prevClose|).
// TR_0 (no previous close) is just high-low.
func TrueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(highs))
	for i := range out {
		hl := highs[i] - lows[i]
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR is Wilder's average true range: seed with the mean of the first p true
// ranges, then ATR_t = ((p-1)*ATR_{t-1} + TR_t) / p.
func ATR(highs, lows, closes []float64, p int) []float64 {
	tr := TrueRange(highs, lows, closes)
	out := make([]float64, len(tr))
	for i := range out {
		switch {
		case i < p-1:
			out[i] = math.NaN()
		case i == p-1:
			sum := 0.0
			for j := 0; j <= i; j++ {
				sum += tr[j]
			}
			out[i] = sum / float64(p)
		default:
			out[i] = (float64(p-1)*out[i-1] + tr[i]) / float64(p)
		}
	}
	return out
}

// Highest returns the rolling maximum of the trailing p values.
func Highest(values []float64, p int) []float64 {
	return rollingExtreme(values, p, math.Max, math.Inf(-1))
}

// Lowest returns the rolling minimum of the trailing p values.
func Lowest(values []float64, p int) []float64 {
	return rollingExtreme(values, p, math.Min, math.Inf(1))
}

func rollingExtreme(values []float64, p int, pick func(a, b float64) float64, seed float64) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		ext := seed
		for j := i - p + 1; j <= i; j++ {
			ext = pick(ext, values[j])
		}
		out[i] = ext
	}
	return out
}

// FibLevels is the set of Fibonacci retracement levels over a rolling window.
type FibLevels struct {
	High    float64
	Low     float64
	Fib382  float64
	Fib500  float64
	Fib618  float64
}

// Fibonacci computes rolling H/L and the three retracement levels for every
// position; NaN until the window of size p is full.
func Fibonacci(highs, lows []float64, p int) []FibLevels {
	h := Highest(highs, p)
	l := Lowest(lows, p)
	out := make([]FibLevels, len(highs))
	for i := range out {
		if math.IsNaN(h[i]) || math.IsNaN(l[i]) {
			out[i] = FibLevels{High: math.NaN(), Low: math.NaN(), Fib382: math.NaN(), Fib500: math.NaN(), Fib618: math.NaN()}
			continue
		}
		r := h[i] - l[i]
		out[i] = FibLevels{
			High:   h[i],
			Low:    l[i],
			Fib382: h[i] - 0.382*r,
			Fib500: h[i] - 0.5*r,
			Fib618: h[i] - 0.618*r,
		}
	}
	return out
}

// VWAPSeries computes the running VWAP Σ(typ*vol)/Σvol over the whole series
// (a "session" VWAP that never resets); typ = (h+l+c)/3.
func VWAPSeries(highs, lows, closes, volumes []float64) []float64 {
	out := make([]float64, len(highs))
	var cumPV, cumV float64
	for i := range out {
		typ := (highs[i] + lows[i] + closes[i]) / 3.0
		cumPV += typ * volumes[i]
		cumV += volumes[i]
		if cumV == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = cumPV / cumV
	}
	return out
}

// RollingVWAP computes VWAP over a trailing window of size p instead of the
// whole series; NaN until the window is full.
func RollingVWAP(highs, lows, closes, volumes []float64, p int) []float64 {
	out := make([]float64, len(highs))
	for i := range out {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		var pv, v float64
		for j := i - p + 1; j <= i; j++ {
			typ := (highs[j] + lows[j] + closes[j]) / 3.0
			pv += typ * volumes[j]
			v += volumes[j]
		}
		if v == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = pv / v
	}
	return out
}

// DecimalSMA/DecimalEMA/... convenience wrappers let callers pass decimal
// columns straight from a kline.Buffer without converting by hand.
func DecimalSMA(values []decimal.Decimal, p int) []float64 { return SMA(toFloats(values), p) }
func DecimalEMA(values []decimal.Decimal, p int) []float64 { return EMA(toFloats(values), p) }
func DecimalATR(highs, lows, closes []decimal.Decimal, p int) []float64 {
	return ATR(toFloats(highs), toFloats(lows), toFloats(closes), p)
}
func DecimalFibonacci(highs, lows []decimal.Decimal, p int) []FibLevels {
	return Fibonacci(toFloats(highs), toFloats(lows), p)
}
func DecimalVWAP(highs, lows, closes, volumes []decimal.Decimal) []float64 {
	return VWAPSeries(toFloats(highs), toFloats(lows), toFloats(closes), toFloats(volumes))
}
