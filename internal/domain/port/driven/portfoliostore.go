package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// PortfolioSync is the full set of writes produced by one user's sync.
type PortfolioSync struct {
	UserID   int64
	Holdings []model.Holding
	Prices   []model.PriceHistory
	SyncedAt time.Time
	// PruneAbsent deletes the user's holdings whose stock code is not in Holdings.
	PruneAbsent bool
}

// PortfolioStore defines the driven port for holdings and price history.
type PortfolioStore interface {
	// ApplySync upserts holdings keyed by (user_id, stock_code), appends the
	// price history rows and optionally prunes absent holdings, all in one
	// transaction. It returns the number of holdings removed by pruning.
	ApplySync(ctx context.Context, s PortfolioSync) (removed int, err error)
	// ListHoldings returns the user's holdings ordered by stock code.
	ListHoldings(ctx context.Context, userID int64) ([]model.Holding, error)
	// ListPriceHistory returns the most recent observations for a stock, newest first.
	ListPriceHistory(ctx context.Context, stockCode string, limit int) ([]model.PriceHistory, error)
}
