package kline

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable aggregated trade tick.
type Trade struct {
	Symbol        string
	AggTradeID    int64
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Timestamp     time.Time
	IsBuyerMaker  bool
}
