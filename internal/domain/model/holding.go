// Package model holds the portfolio domain types.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is a user's current position in one stock.
type Holding struct {
	ID           int64
	UserID       int64
	StockCode    string
	StockName    string
	Quantity     int64
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	UpdatedAt    time.Time
}

// MarketValue returns quantity times current price.
func (h Holding) MarketValue() decimal.Decimal {
	return h.CurrentPrice.Mul(decimal.NewFromInt(h.Quantity))
}

// ProfitLoss returns the unrealized gain against the purchase average.
func (h Holding) ProfitLoss() decimal.Decimal {
	return h.CurrentPrice.Sub(h.AvgPrice).Mul(decimal.NewFromInt(h.Quantity))
}

// PriceHistory is one observation in the append-only price time series of a stock.
type PriceHistory struct {
	ID         int64
	StockCode  string
	Price      decimal.Decimal
	RecordedAt time.Time
}

// HoldingView joins a holding with the owner's meta for that stock, if any.
type HoldingView struct {
	Holding Holding
	Meta    *StockMeta
}
