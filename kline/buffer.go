package kline

import "github.com/shopspring/decimal"

// DefaultMaxSize is the default bounded window length (§3).
const DefaultMaxSize = 200

// Buffer is an ordered, bounded window of klines for one (symbol, timeframe),
// ascending by timestamp. The tail entry may be replaced in place while its
// bar is still open.
type Buffer struct {
	Symbol    string
	Timeframe string
	MaxSize   int
	klines    []Kline
}

// NewBuffer constructs an empty buffer. maxSize <= 0 falls back to DefaultMaxSize.
func NewBuffer(symbol, timeframe string, maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer{Symbol: symbol, Timeframe: timeframe, MaxSize: maxSize}
}

// Add folds k into the buffer: replaces the last entry if timestamps match
// (in-bar update), drops k if it is older than the last entry, otherwise
// appends and truncates from the front to MaxSize.
func (b *Buffer) Add(k Kline) {
	n := len(b.klines)
	if n > 0 {
		last := b.klines[n-1]
		if k.Timestamp.Equal(last.Timestamp) {
			b.klines[n-1] = k
			return
		}
		if k.Timestamp.Before(last.Timestamp) {
			return
		}
	}
	b.klines = append(b.klines, k)
	if len(b.klines) > b.MaxSize {
		excess := len(b.klines) - b.MaxSize
		b.klines = b.klines[excess:]
	}
}

func (b *Buffer) Len() int { return len(b.klines) }

// Last returns the most recent kline and whether the buffer is non-empty.
func (b *Buffer) Last() (Kline, bool) {
	if len(b.klines) == 0 {
		return Kline{}, false
	}
	return b.klines[len(b.klines)-1], true
}

// All returns the buffer contents, oldest first. Callers must not mutate it.
func (b *Buffer) All() []Kline {
	return b.klines
}

func (b *Buffer) Closes() []decimal.Decimal { return column(b.klines, func(k Kline) decimal.Decimal { return k.Close }) }
func (b *Buffer) Opens() []decimal.Decimal  { return column(b.klines, func(k Kline) decimal.Decimal { return k.Open }) }
func (b *Buffer) Highs() []decimal.Decimal  { return column(b.klines, func(k Kline) decimal.Decimal { return k.High }) }
func (b *Buffer) Lows() []decimal.Decimal   { return column(b.klines, func(k Kline) decimal.Decimal { return k.Low }) }
func (b *Buffer) Volumes() []decimal.Decimal {
	return column(b.klines, func(k Kline) decimal.Decimal { return k.Volume })
}

func column(ks []Kline, f func(Kline) decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ks))
	for i, k := range ks {
		out[i] = f(k)
	}
	return out
}
