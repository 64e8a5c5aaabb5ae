package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsestrike/signalcore/aggregator"
	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/logging"
	"github.com/synapsestrike/signalcore/outcome"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/strategy"
)

// fakeStrategy is a minimal strategy.Strategy used to drive symbolWorker's
// pipeline deterministically, without depending on real indicator warmup.
type fakeStrategy struct {
	onBar   func(k kline.Kline) strategy.ProcessResult
	cb      strategy.SignalCallback
	outcome []signal.Outcome
}

func (f *fakeStrategy) Name() string                   { return "fake" }
func (f *fakeStrategy) Version() string                { return "v0" }
func (f *fakeStrategy) RequiredIndicators() []string    { return nil }
func (f *fakeStrategy) Init(ctx context.Context) error  { return nil }
func (f *fakeStrategy) ReleasePosition(symbol, tf string) {}
func (f *fakeStrategy) RecordOutcome(ctx context.Context, o signal.Outcome, symbol, tf string) {
	f.outcome = append(f.outcome, o)
}
func (f *fakeStrategy) OnSignal(obs strategy.SignalCallback) int { f.cb = obs; return 1 }
func (f *fakeStrategy) OffSignal(handle int)                     { f.cb = nil }
func (f *fakeStrategy) ProcessKline(ctx context.Context, k kline.Kline, buf *kline.Buffer) (strategy.ProcessResult, error) {
	result := f.onBar(k)
	if result.Signal != nil && f.cb != nil {
		f.cb(*result.Signal)
	}
	return result, nil
}

type fakeSignalRepo struct {
	saved    []signal.Record
	outcomes []signal.Outcome
}

func (r *fakeSignalRepo) Save(ctx context.Context, rec signal.Record) error {
	r.saved = append(r.saved, rec)
	return nil
}
func (r *fakeSignalRepo) UpdateOutcome(ctx context.Context, id string, mae, mfe float64, outcome signal.Outcome, outcomeTime *time.Time, outcomePrice *float64) error {
	r.outcomes = append(r.outcomes, outcome)
	return nil
}
func (r *fakeSignalRepo) GetActive(ctx context.Context, symbol, timeframe string) ([]signal.Record, error) {
	return nil, nil
}
func (r *fakeSignalRepo) GetByID(ctx context.Context, id string) (signal.Record, bool, error) {
	return signal.Record{}, false, nil
}

type fakeObserver struct {
	signals  []signal.Record
	outcomes []signal.Outcome
}

func (o *fakeObserver) OnSignal(ctx context.Context, r signal.Record) { o.signals = append(o.signals, r) }
func (o *fakeObserver) OnOutcome(ctx context.Context, r signal.Record, outcome signal.Outcome) {
	o.outcomes = append(o.outcomes, outcome)
}

var _ collab.SignalRepository = (*fakeSignalRepo)(nil)
var _ collab.SignalObserver = (*fakeObserver)(nil)

func d(v string) decimal.Decimal {
	dec, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return dec
}

func bar(symbol string, at time.Time, open, high, low, close string) kline.Kline {
	return kline.Kline{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: at,
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("1"),
		IsClosed:  true,
	}
}

func newTestWorker(fs *fakeStrategy, repo *fakeSignalRepo, obs *fakeObserver) *symbolWorker {
	w := &symbolWorker{
		cfg:        SymbolConfig{Symbol: "BTCUSDT", Timeframes: []string{"1m"}},
		agg:        aggregator.New("BTCUSDT", nil),
		buffers:    map[string]*kline.Buffer{"1m": kline.NewBuffer("BTCUSDT", "1m", kline.DefaultMaxSize)},
		strategies: map[string]strategy.Strategy{"1m": fs},
		signals:    repo,
		observers:  obs,
		log:        logging.New("dispatcher_test", "test"),
		klines:     make(chan kline.Kline, 8),
		trades:     make(chan kline.Trade, 8),
	}
	w.tracker = outcome.New(outcome.DefaultTimeout, func(r signal.Record, o signal.Outcome) { w.onOutcome(context.Background(), r, o) })
	fs.OnSignal(func(r signal.Record) { w.onSignal(context.Background(), r) })
	return w
}

func TestProcessKline_EmitsSignalAndPersists(t *testing.T) {
	repo := &fakeSignalRepo{}
	obs := &fakeObserver{}
	now := time.Now()

	var emitted bool
	fs := &fakeStrategy{onBar: func(k kline.Kline) strategy.ProcessResult {
		if emitted {
			return strategy.ProcessResult{}
		}
		emitted = true
		sig := signal.New("fake", k.Symbol, "1m", k.Timestamp, signal.Long, d("100"), d("110"), d("95"))
		atr := 1.5
		return strategy.ProcessResult{Signal: &sig, ATR: &atr}
	}}

	w := newTestWorker(fs, repo, obs)

	w.processKline(context.Background(), bar("BTCUSDT", now, "100", "101", "99", "100"))

	require.Len(t, repo.saved, 1)
	assert.Equal(t, signal.Long, repo.saved[0].Direction)
	require.Len(t, obs.signals, 1)
	assert.Equal(t, 1, w.tracker.ActiveCount())
}

func TestProcessKline_DropsInvalidKline(t *testing.T) {
	repo := &fakeSignalRepo{}
	obs := &fakeObserver{}
	fs := &fakeStrategy{onBar: func(k kline.Kline) strategy.ProcessResult { return strategy.ProcessResult{} }}
	w := newTestWorker(fs, repo, obs)

	invalid := kline.Kline{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: time.Now()}
	w.processKline(context.Background(), invalid)

	assert.Empty(t, repo.saved)
}

func TestAddSymbol_RejectsDuplicate(t *testing.T) {
	disp := New(strategy.Deps{}, nil, nil, nil, logging.New("dispatcher_test", "test"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := SymbolConfig{
		Symbol:       "BTCUSDT",
		Timeframes:   []string{"1m"},
		StrategyName: strategy.EMACrossoverStrategyName,
		SignalConfig: signal.DefaultEMACrossoverConfig(),
	}

	_, err := disp.AddSymbol(ctx, cfg)
	require.NoError(t, err)

	_, err = disp.AddSymbol(ctx, cfg)
	assert.Error(t, err)
}

func TestPushKline_UnknownSymbolErrors(t *testing.T) {
	disp := New(strategy.Deps{}, nil, nil, nil, logging.New("dispatcher_test", "test"))
	err := disp.PushKline(bar("ETHUSDT", time.Now(), "1", "2", "1", "1"))
	assert.Error(t, err)
}
