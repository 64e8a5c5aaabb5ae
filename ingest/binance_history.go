package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/synapsestrike/signalcore/kline"
)

// klinesPerRequest is Binance's REST limit per klines call.
const klinesPerRequest = 1500

// BinanceHistorySource implements collab.KlineSource over the USD-M futures
// REST klines endpoint, paging through klinesPerRequest-sized windows.
type BinanceHistorySource struct {
	client *futures.Client
}

func NewBinanceHistorySource(client *futures.Client) *BinanceHistorySource {
	return &BinanceHistorySource{client: client}
}

// GetRange returns every closed kline of (symbol, timeframe) in [start, end),
// ascending, paging forward until the window is exhausted.
func (s *BinanceHistorySource) GetRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]kline.Kline, error) {
	var out []kline.Kline
	cursor := start

	for cursor.Before(end) {
		raw, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			StartTime(cursor.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(klinesPerRequest).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("ingest: fetching %s/%s klines from %s: %w", symbol, timeframe, cursor, err)
		}
		if len(raw) == 0 {
			break
		}

		for _, rk := range raw {
			k, err := convertRestKline(symbol, timeframe, rk)
			if err != nil {
				return nil, fmt.Errorf("ingest: converting %s/%s kline: %w", symbol, timeframe, err)
			}
			out = append(out, k)
		}

		last := raw[len(raw)-1]
		nextCursor := time.UnixMilli(last.CloseTime + 1).UTC()
		if !nextCursor.After(cursor) {
			break // malformed/degenerate response; avoid an infinite loop
		}
		cursor = nextCursor

		if len(raw) < klinesPerRequest {
			break
		}
	}

	return out, nil
}

func convertRestKline(symbol, timeframe string, rk *futures.Kline) (kline.Kline, error) {
	open, err := decimal.NewFromString(rk.Open)
	if err != nil {
		return kline.Kline{}, err
	}
	high, err := decimal.NewFromString(rk.High)
	if err != nil {
		return kline.Kline{}, err
	}
	low, err := decimal.NewFromString(rk.Low)
	if err != nil {
		return kline.Kline{}, err
	}
	closePrice, err := decimal.NewFromString(rk.Close)
	if err != nil {
		return kline.Kline{}, err
	}
	volume, err := decimal.NewFromString(rk.Volume)
	if err != nil {
		return kline.Kline{}, err
	}
	k := kline.Kline{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: time.UnixMilli(rk.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		IsClosed:  true,
	}
	return k, k.Validate()
}
