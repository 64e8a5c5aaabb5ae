package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/synapsestrike/signalcore/indicators"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
)

// EMACrossoverStrategyName is the registry key for the EMA-Crossover strategy.
const EMACrossoverStrategyName = "ema_crossover"

func init() {
	Register(EMACrossoverStrategyName, func(cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) Strategy {
		return newEMACrossoverStrategy(cfg, filters, deps)
	})
}

type emaCrossoverStrategy struct {
	base
	cfg     signal.Config
	filters map[[2]string]signal.Filter
}

func newEMACrossoverStrategy(cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) *emaCrossoverStrategy {
	return &emaCrossoverStrategy{base: newBase(EMACrossoverStrategyName, deps), cfg: cfg, filters: filters}
}

func (s *emaCrossoverStrategy) Version() string { return "1.0.0" }

func (s *emaCrossoverStrategy) RequiredIndicators() []string {
	return []string{"ema_fast", "ema_slow", "atr"}
}

func (s *emaCrossoverStrategy) Init(ctx context.Context) error {
	return s.init(ctx, s.filters)
}

// ProcessKline implements §4.3.2: signal on the bar where ema_fast crosses
// ema_slow, in either direction.
func (s *emaCrossoverStrategy) ProcessKline(ctx context.Context, k kline.Kline, buf *kline.Buffer) (ProcessResult, error) {
	minLen := maxInt(s.cfg.SlowEMAPeriod, s.cfg.ATRPeriod)
	if buf.Len() <= minLen {
		return ProcessResult{}, nil
	}

	closes := buf.Closes()
	highs := buf.Highs()
	lows := buf.Lows()

	fastSeries := indicators.DecimalEMA(closes, s.cfg.FastEMAPeriod)
	slowSeries := indicators.DecimalEMA(closes, s.cfg.SlowEMAPeriod)
	atrSeries := indicators.DecimalATR(highs, lows, closes, s.cfg.ATRPeriod)

	i := buf.Len() - 1
	fastNow, slowNow := fastSeries[i], slowSeries[i]
	fastPrev, slowPrev := fastSeries[i-1], slowSeries[i-1]
	atr := atrSeries[i]

	result := ProcessResult{ATR: &atr}

	var dir signal.Direction
	var haveSignal bool
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		dir = signal.Long
		haveSignal = true
	case fastPrev >= slowPrev && fastNow < slowNow:
		dir = signal.Short
		haveSignal = true
	}
	if !haveSignal {
		return result, nil
	}

	if !s.passesFilters(k.Symbol, k.Timeframe, atr) {
		return result, nil
	}
	if !s.tryAcquireLock(k.Symbol, k.Timeframe) {
		return result, nil
	}

	rec := s.buildSignal(k, dir, atr, fastNow, slowNow)
	result.Signal = &rec
	s.notify(rec)
	return result, nil
}

func (s *emaCrossoverStrategy) passesFilters(symbol, timeframe string, atr float64) bool {
	f, ok := s.filters[pairKey(symbol, timeframe)]
	if !ok {
		f = signal.DefaultFilter()
	}
	if !f.Enabled {
		return false
	}
	if s.isLocked(symbol, timeframe) {
		return false
	}
	streak := s.currentStreak(symbol, timeframe)
	if !f.AllowsStreak(streak) {
		return false
	}
	if s.deps.AtrTracker != nil {
		if pct := s.deps.AtrTracker.Percentile(symbol, timeframe, atr); pct != nil {
			if *pct < f.AtrPctThreshold {
				return false
			}
		}
	}
	return true
}

func (s *emaCrossoverStrategy) buildSignal(k kline.Kline, dir signal.Direction, atr, fast, slow float64) signal.Record {
	entry := k.Close
	risk := decimal.NewFromFloat(atr).Mul(s.cfg.SLAtrMult)
	reward := decimal.NewFromFloat(atr).Mul(s.cfg.TPAtrMult)
	var tp, sl decimal.Decimal
	if dir == signal.Long {
		sl = entry.Sub(risk)
		tp = entry.Add(reward)
	} else {
		sl = entry.Add(risk)
		tp = entry.Sub(reward)
	}
	rec := signal.New(s.Name(), k.Symbol, k.Timeframe, k.Timestamp, dir, entry, tp, sl)
	rec.ATRAtSignal = atr
	rec.MaxATR = atr
	rec.StreakAtSignal = s.currentStreak(k.Symbol, k.Timeframe)
	rec.Extra = map[string]float64{"ema_fast": fast, "ema_slow": slow}
	return rec
}
