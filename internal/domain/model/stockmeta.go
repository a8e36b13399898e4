package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockMeta carries user-authored annotations on a stock. Nil fields are unset.
type StockMeta struct {
	UserID      int64
	StockCode   string
	Note        *string
	TargetPrice *decimal.Decimal
	Tags        *string // Comma separated.
	UpdatedAt   time.Time
}

// StockMetaUpdate is a partial update; nil fields keep their stored values.
type StockMetaUpdate struct {
	Note        *string
	TargetPrice *decimal.Decimal
	Tags        *string
}

// Merge applies u on top of m and returns the result.
func (m StockMeta) Merge(u StockMetaUpdate) StockMeta {
	if u.Note != nil {
		m.Note = u.Note
	}
	if u.TargetPrice != nil {
		m.TargetPrice = u.TargetPrice
	}
	if u.Tags != nil {
		m.Tags = u.Tags
	}
	return m
}
