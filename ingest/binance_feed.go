// Package ingest implements the live Binance USD-M futures collab adapters
// (C9): WebSocket kline/aggTrade feeds and a REST-backed historical kline
// source, using github.com/adshao/go-binance/v2/futures directly as the
// reference corpus does for its exchange connectivity.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/logging"
)

// reconnectBackoff is how long BinanceKlineFeed/BinanceTradeFeed wait before
// re-establishing a dropped WebSocket stream (§7 transient-feed-error policy).
const reconnectBackoff = 5 * time.Second

type klineSub struct {
	symbol    string
	timeframe string
	obs       collab.KlineObserver
}

// BinanceKlineFeed streams closed 1m klines per subscribed (symbol,
// timeframe) over Binance USD-M futures WebSocket kline streams, translating
// each closed bar into the core kline.Kline type.
type BinanceKlineFeed struct {
	log  logging.Logger
	mu   sync.Mutex
	subs []klineSub
	stop chan struct{}
}

func NewBinanceKlineFeed(log logging.Logger) *BinanceKlineFeed {
	return &BinanceKlineFeed{log: log}
}

func (f *BinanceKlineFeed) Subscribe(symbol, timeframe string, obs collab.KlineObserver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, klineSub{symbol: symbol, timeframe: timeframe, obs: obs})
	return nil
}

// Start spins up one reconnecting WebSocket goroutine per subscription.
func (f *BinanceKlineFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	subs := append([]klineSub(nil), f.subs...)
	f.stop = make(chan struct{})
	f.mu.Unlock()

	for _, sub := range subs {
		go f.run(ctx, sub)
	}
	return nil
}

func (f *BinanceKlineFeed) run(ctx context.Context, sub klineSub) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		default:
		}

		handler := func(event *futures.WsKlineEvent) {
			if !event.Kline.IsFinal {
				return
			}
			k, err := convertWsKline(sub.symbol, sub.timeframe, event.Kline)
			if err != nil {
				f.log.Warnf("ingest: dropping malformed kline for %s/%s: %v", sub.symbol, sub.timeframe, err)
				return
			}
			sub.obs(k)
		}
		errHandler := func(err error) {
			f.log.Warnf("ingest: kline stream error for %s/%s: %v", sub.symbol, sub.timeframe, err)
		}

		doneC, stopC, err := futures.WsKlineServe(sub.symbol, sub.timeframe, handler, errHandler)
		if err != nil {
			f.log.Warnf("ingest: failed to open kline stream for %s/%s: %v", sub.symbol, sub.timeframe, err)
			time.Sleep(reconnectBackoff)
			continue
		}

		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-f.stop:
			close(stopC)
			return
		case <-doneC:
			f.log.Warnf("ingest: kline stream for %s/%s closed, reconnecting", sub.symbol, sub.timeframe)
			time.Sleep(reconnectBackoff)
		}
	}
}

func (f *BinanceKlineFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
	}
	return nil
}

func convertWsKline(symbol, timeframe string, wk futures.WsKline) (kline.Kline, error) {
	open, err := decimal.NewFromString(wk.Open)
	if err != nil {
		return kline.Kline{}, fmt.Errorf("parsing open: %w", err)
	}
	high, err := decimal.NewFromString(wk.High)
	if err != nil {
		return kline.Kline{}, fmt.Errorf("parsing high: %w", err)
	}
	low, err := decimal.NewFromString(wk.Low)
	if err != nil {
		return kline.Kline{}, fmt.Errorf("parsing low: %w", err)
	}
	closePrice, err := decimal.NewFromString(wk.Close)
	if err != nil {
		return kline.Kline{}, fmt.Errorf("parsing close: %w", err)
	}
	volume, err := decimal.NewFromString(wk.Volume)
	if err != nil {
		return kline.Kline{}, fmt.Errorf("parsing volume: %w", err)
	}
	k := kline.Kline{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: time.UnixMilli(wk.StartTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		IsClosed:  true,
	}
	return k, k.Validate()
}

type tradeSub struct {
	symbol string
	obs    collab.TradeObserver
}

// BinanceTradeFeed streams aggregated trades per subscribed symbol over
// Binance USD-M futures aggTrade streams.
type BinanceTradeFeed struct {
	log  logging.Logger
	mu   sync.Mutex
	subs []tradeSub
	stop chan struct{}
}

func NewBinanceTradeFeed(log logging.Logger) *BinanceTradeFeed {
	return &BinanceTradeFeed{log: log}
}

func (f *BinanceTradeFeed) Subscribe(symbol string, obs collab.TradeObserver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, tradeSub{symbol: symbol, obs: obs})
	return nil
}

func (f *BinanceTradeFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	subs := append([]tradeSub(nil), f.subs...)
	f.stop = make(chan struct{})
	f.mu.Unlock()

	for _, sub := range subs {
		go f.run(ctx, sub)
	}
	return nil
}

func (f *BinanceTradeFeed) run(ctx context.Context, sub tradeSub) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		default:
		}

		handler := func(event *futures.WsAggTradeEvent) {
			t, err := convertWsTrade(sub.symbol, event)
			if err != nil {
				f.log.Warnf("ingest: dropping malformed trade for %s: %v", sub.symbol, err)
				return
			}
			sub.obs(t)
		}
		errHandler := func(err error) {
			f.log.Warnf("ingest: trade stream error for %s: %v", sub.symbol, err)
		}

		doneC, stopC, err := futures.WsAggTradeServe(sub.symbol, handler, errHandler)
		if err != nil {
			f.log.Warnf("ingest: failed to open trade stream for %s: %v", sub.symbol, err)
			time.Sleep(reconnectBackoff)
			continue
		}

		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-f.stop:
			close(stopC)
			return
		case <-doneC:
			f.log.Warnf("ingest: trade stream for %s closed, reconnecting", sub.symbol)
			time.Sleep(reconnectBackoff)
		}
	}
}

func (f *BinanceTradeFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
	}
	return nil
}

func convertWsTrade(symbol string, event *futures.WsAggTradeEvent) (kline.Trade, error) {
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return kline.Trade{}, fmt.Errorf("parsing price: %w", err)
	}
	qty, err := decimal.NewFromString(event.Quantity)
	if err != nil {
		return kline.Trade{}, fmt.Errorf("parsing quantity: %w", err)
	}
	return kline.Trade{
		Symbol:       symbol,
		AggTradeID:   event.AggregateTradeID,
		Price:        price,
		Quantity:     qty,
		Timestamp:    time.UnixMilli(event.TradeTime).UTC(),
		IsBuyerMaker: event.Maker,
	}, nil
}
