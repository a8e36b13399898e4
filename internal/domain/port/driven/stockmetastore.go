package driven

import (
	"context"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// StockMetaStore defines the driven port for user stock annotations.
type StockMetaStore interface {
	// Get returns nil, nil when the user has no meta for the stock.
	Get(ctx context.Context, userID int64, stockCode string) (*model.StockMeta, error)
	// Upsert stores meta keyed by (user_id, stock_code), replacing all fields.
	Upsert(ctx context.Context, meta model.StockMeta) error
	// ListByUser returns all meta of a user keyed by stock code.
	ListByUser(ctx context.Context, userID int64) (map[string]model.StockMeta, error)
}
