package outcome

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
)

func d(v string) decimal.Decimal {
	dec, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return dec
}

func longSignal(symbol string, at time.Time) signal.Record {
	return signal.New("msr_retest_capture", symbol, "5m", at, signal.Long, d("100"), d("110"), d("95"))
}

func bar(symbol string, at time.Time, open, high, low, close string) kline.Kline {
	return kline.Kline{
		Symbol:    symbol,
		Timeframe: "5m",
		Timestamp: at,
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("1"),
		IsClosed:  true,
	}
}

func TestCheckKline_ResolvesTP(t *testing.T) {
	now := time.Now()
	var fired []signal.Outcome
	tr := New(24*time.Hour, func(r signal.Record, o signal.Outcome) { fired = append(fired, o) })

	s := longSignal("BTCUSDT", now)
	tr.AddSignal(s)

	tr.CheckKline(bar("BTCUSDT", now.Add(5*time.Minute), "101", "111", "100", "108"))

	require.Len(t, fired, 1)
	assert.Equal(t, signal.TP, fired[0])
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 1, tr.ResolvedCount())
}

func TestCheckKline_PessimisticTieGoesToSL(t *testing.T) {
	now := time.Now()
	var fired []signal.Outcome
	tr := New(24*time.Hour, func(r signal.Record, o signal.Outcome) { fired = append(fired, o) })

	tr.AddSignal(longSignal("BTCUSDT", now))

	// Both TP (110) and SL (95) fall within this bar's range.
	tr.CheckKline(bar("BTCUSDT", now.Add(5*time.Minute), "100", "115", "90", "105"))

	require.Len(t, fired, 1)
	assert.Equal(t, signal.SL, fired[0])
}

func TestCheckKline_TimeoutReleasesAsActive(t *testing.T) {
	now := time.Now()
	var fired []signal.Outcome
	tr := New(time.Hour, func(r signal.Record, o signal.Outcome) { fired = append(fired, o) })

	tr.AddSignal(longSignal("BTCUSDT", now))
	tr.CheckKline(bar("BTCUSDT", now.Add(2*time.Hour), "101", "102", "100", "101"))

	require.Len(t, fired, 1)
	assert.Equal(t, signal.Active, fired[0])
	assert.Equal(t, 0, tr.ResolvedCount(), "timeout release is not a resolution")
}

func TestCheckKline_IgnoresOtherSymbols(t *testing.T) {
	now := time.Now()
	tr := New(24*time.Hour, nil)
	tr.AddSignal(longSignal("BTCUSDT", now))

	tr.CheckKline(bar("ETHUSDT", now.Add(time.Minute), "10", "11", "9", "10"))

	assert.Equal(t, 1, tr.ActiveCount())
}

func TestCheckKline_UpdatesMAEMFEMonotonically(t *testing.T) {
	now := time.Now()
	var captured signal.Record
	tr := New(24*time.Hour, func(r signal.Record, o signal.Outcome) { captured = r })

	tr.AddSignal(longSignal("BTCUSDT", now))
	// Dips to 97 (adverse) then rallies, but doesn't touch TP/SL yet.
	tr.CheckKline(bar("BTCUSDT", now.Add(time.Minute), "100", "103", "97", "102"))
	require.Equal(t, 1, tr.ActiveCount())

	active := tr.ActiveSignals()[0]
	assert.Greater(t, active.MAERatio, 0.0)
	assert.Greater(t, active.MFERatio, 0.0)

	prevMAE := active.MAERatio
	// A calmer bar shouldn't decrease mae_ratio.
	tr.CheckKline(bar("BTCUSDT", now.Add(2*time.Minute), "102", "103", "101", "102"))
	active = tr.ActiveSignals()[0]
	assert.GreaterOrEqual(t, active.MAERatio, prevMAE)

	_ = captured
}

func TestProcessTrade_FirstTouchResolvesTP(t *testing.T) {
	now := time.Now()
	var fired []signal.Outcome
	tr := New(24*time.Hour, func(r signal.Record, o signal.Outcome) { fired = append(fired, o) })

	tr.AddSignal(longSignal("BTCUSDT", now))
	tr.ProcessTrade(kline.Trade{Symbol: "BTCUSDT", Price: d("110"), Timestamp: now.Add(time.Second), Quantity: d("1")})

	require.Len(t, fired, 1)
	assert.Equal(t, signal.TP, fired[0])
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestProcessTrade_NoResolutionKeepsSignalActive(t *testing.T) {
	now := time.Now()
	tr := New(24*time.Hour, nil)
	tr.AddSignal(longSignal("BTCUSDT", now))

	tr.ProcessTrade(kline.Trade{Symbol: "BTCUSDT", Price: d("103"), Timestamp: now.Add(time.Second), Quantity: d("1")})

	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 0, tr.ResolvedCount())
}

func TestUpdateATR_OnlyRaisesMaxATR(t *testing.T) {
	now := time.Now()
	tr := New(24*time.Hour, nil)
	s := longSignal("BTCUSDT", now)
	s.ATRAtSignal = 2.0
	s.MaxATR = 2.0
	tr.AddSignal(s)

	tr.UpdateATR("BTCUSDT", "5m", 1.0)
	assert.Equal(t, 2.0, tr.ActiveSignals()[0].MaxATR, "lower ATR reading must not lower max_atr")

	tr.UpdateATR("BTCUSDT", "5m", 3.5)
	assert.Equal(t, 3.5, tr.ActiveSignals()[0].MaxATR)
}

func TestFinalize_ClearsActiveWithoutNotifying(t *testing.T) {
	now := time.Now()
	notified := false
	tr := New(24*time.Hour, func(r signal.Record, o signal.Outcome) { notified = true })
	tr.AddSignal(longSignal("BTCUSDT", now))

	tr.Finalize()

	assert.Equal(t, 0, tr.ActiveCount())
	assert.False(t, notified)
}
