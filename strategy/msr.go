package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/synapsestrike/signalcore/indicators"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
)

// MSRStrategyName is the registry key for the MSR-Retest-Capture strategy.
const MSRStrategyName = "msr_retest_capture"

func init() {
	Register(MSRStrategyName, func(cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) Strategy {
		return newMSRStrategy(cfg, filters, deps)
	})
}

type msrStrategy struct {
	base
	cfg     signal.Config
	filters map[[2]string]signal.Filter
}

func newMSRStrategy(cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) *msrStrategy {
	return &msrStrategy{base: newBase(MSRStrategyName, deps), cfg: cfg, filters: filters}
}

func (s *msrStrategy) Version() string { return "1.0.0" }

func (s *msrStrategy) RequiredIndicators() []string {
	return []string{"ema", "atr", "vwap", "fibonacci"}
}

func (s *msrStrategy) Init(ctx context.Context) error {
	return s.init(ctx, s.filters)
}

// ProcessKline implements the MSR-Retest-Capture entry logic of §4.3.1.
func (s *msrStrategy) ProcessKline(ctx context.Context, k kline.Kline, buf *kline.Buffer) (ProcessResult, error) {
	minLen := maxInt(s.cfg.EMAPeriod, maxInt(s.cfg.FibPeriod, s.cfg.ATRPeriod))
	if buf.Len() <= minLen {
		return ProcessResult{}, nil
	}

	highs := buf.Highs()
	lows := buf.Lows()
	closesCol := buf.Closes()
	volumes := buf.Volumes()

	emaSeries := indicators.DecimalEMA(closesCol, s.cfg.EMAPeriod)
	atrSeries := indicators.DecimalATR(highs, lows, closesCol, s.cfg.ATRPeriod)
	fibSeries := indicators.DecimalFibonacci(highs, lows, s.cfg.FibPeriod)
	vwapSeries := indicators.DecimalVWAP(highs, lows, closesCol, volumes)

	i := buf.Len() - 1
	ema := emaSeries[i]
	atr := atrSeries[i]
	fib := fibSeries[i]
	vwap := vwapSeries[i]

	closeF, _ := k.Close.Float64()
	lowF, _ := k.Low.Float64()
	highF, _ := k.High.Float64()

	support, resistance := partitionLevels(closeF, fib.Fib382, fib.Fib500, fib.Fib618, vwap)
	nearestSupport, hasSupport := nearestBelow(support, closeF)
	nearestResistance, hasResistance := nearestAbove(resistance, closeF)

	trendUp := closeF > ema
	trendDown := closeF < ema

	var dir signal.Direction
	var haveSignal bool
	switch {
	case trendUp && hasSupport && lowF <= nearestSupport && closeF > nearestSupport:
		dir = signal.Long
		haveSignal = true
	case trendDown && hasResistance && highF >= nearestResistance && closeF < nearestResistance:
		dir = signal.Short
		haveSignal = true
	}

	result := ProcessResult{ATR: &atr}
	if !haveSignal {
		return result, nil
	}

	if !s.passesFilters(k.Symbol, k.Timeframe, atr) {
		return result, nil
	}
	if !s.tryAcquireLock(k.Symbol, k.Timeframe) {
		return result, nil
	}

	rec := s.buildSignal(k, dir, atr)
	result.Signal = &rec
	s.notify(rec)
	return result, nil
}

func (s *msrStrategy) passesFilters(symbol, timeframe string, atr float64) bool {
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

func (s *msrStrategy) buildSignal(k kline.Kline, dir signal.Direction, atr float64) signal.Record {
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
	return rec
}

// partitionLevels splits the candidate levels into support (<= close) and
// resistance (> close), per §4.3.1 step 2.
func partitionLevels(closeF float64, levels ...float64) (support, resistance []float64) {
	for _, lv := range levels {
		if lv <= closeF {
			support = append(support, lv)
		} else {
			resistance = append(resistance, lv)
		}
	}
	return support, resistance
}

func nearestBelow(levels []float64, closeF float64) (float64, bool) {
	found := false
	var best float64
	for _, lv := range levels {
		if lv < closeF && (!found || lv > best) {
			best = lv
			found = true
		}
	}
	return best, found
}

func nearestAbove(levels []float64, closeF float64) (float64, bool) {
	found := false
	var best float64
	for _, lv := range levels {
		if lv > closeF && (!found || lv < best) {
			best = lv
			found = true
		}
	}
	return best, found
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
