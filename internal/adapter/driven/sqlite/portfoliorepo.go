package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PortfolioStore = (*PortfolioRepo)(nil)

// PortfolioRepo is the SQLite implementation of the PortfolioStore port
// interface. It owns the holdings and price_history tables.
type PortfolioRepo struct {
	db *DB
}

// NewPortfolioRepo creates a new PortfolioRepo backed by the given DB.
func NewPortfolioRepo(db *DB) *PortfolioRepo {
	return &PortfolioRepo{db: db}
}

// ApplySync writes the outcome of one user's sync atomically. Holdings are
// updated in place on (user_id, stock_code) so their IDs survive re-syncs.
func (r *PortfolioRepo) ApplySync(ctx context.Context, s driven.PortfolioSync) (int, error) {
	const upsertHolding = `
		INSERT INTO holdings (user_id, stock_code, stock_name, quantity, avg_price, current_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, stock_code) DO UPDATE SET
			stock_name = excluded.stock_name,
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			current_price = excluded.current_price,
			updated_at = excluded.updated_at
	`
	const insertPrice = `INSERT INTO price_history (stock_code, price, recorded_at) VALUES (?, ?, ?)`

	var removed int
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		for _, h := range s.Holdings {
			_, err := tx.ExecContext(ctx, upsertHolding,
				s.UserID, h.StockCode, h.StockName, h.Quantity,
				h.AvgPrice.String(), h.CurrentPrice.String(), s.SyncedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("upsert holding %s for user %d: %w", h.StockCode, s.UserID, err)
			}
		}

		for _, p := range s.Prices {
			recordedAt := p.RecordedAt
			if recordedAt.IsZero() {
				recordedAt = s.SyncedAt
			}
			if _, err := tx.ExecContext(ctx, insertPrice, p.StockCode, p.Price.String(), recordedAt.UTC()); err != nil {
				return fmt.Errorf("insert price for %s: %w", p.StockCode, err)
			}
		}

		if !s.PruneAbsent {
			return nil
		}

		n, err := pruneHoldings(ctx, tx, s.UserID, s.Holdings)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply sync for user %d: %w", s.UserID, err)
	}

	return removed, nil
}

// pruneHoldings deletes the user's holdings whose stock code is not in keep.
func pruneHoldings(ctx context.Context, tx *sql.Tx, userID int64, keep []model.Holding) (int, error) {
	query := `DELETE FROM holdings WHERE user_id = ?`
	args := []any{userID}

	if len(keep) > 0 {
		placeholders := make([]string, len(keep))
		for i, h := range keep {
			placeholders[i] = "?"
			args = append(args, h.StockCode)
		}
		query += ` AND stock_code NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune holdings for user %d: %w", userID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune holdings rows affected: %w", err)
	}
	return int(n), nil
}

// ListHoldings returns the user's holdings ordered by stock code.
func (r *PortfolioRepo) ListHoldings(ctx context.Context, userID int64) ([]model.Holding, error) {
	const query = `
		SELECT id, user_id, stock_code, stock_name, quantity, avg_price, current_price, updated_at
		FROM holdings WHERE user_id = ? ORDER BY stock_code
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings for user %d: %w", userID, err)
	}
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings = append(holdings, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}

	return holdings, nil
}

// ListPriceHistory returns up to limit observations for the stock, newest first.
func (r *PortfolioRepo) ListPriceHistory(ctx context.Context, stockCode string, limit int) ([]model.PriceHistory, error) {
	const query = `
		SELECT id, stock_code, price, recorded_at
		FROM price_history WHERE stock_code = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, stockCode, limit)
	if err != nil {
		return nil, fmt.Errorf("list price history for %s: %w", stockCode, err)
	}
	defer rows.Close()

	history := []model.PriceHistory{}
	for rows.Next() {
		var (
			p          model.PriceHistory
			price      string
			recordedAt string
		)
		if err := rows.Scan(&p.ID, &p.StockCode, &price, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if p.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history: %w", err)
	}

	return history, nil
}

func scanHolding(s scanner) (*model.Holding, error) {
	var (
		h            model.Holding
		avgPrice     string
		currentPrice string
		updatedAt    string
	)

	err := s.Scan(&h.ID, &h.UserID, &h.StockCode, &h.StockName, &h.Quantity, &avgPrice, &currentPrice, &updatedAt)
	if err != nil {
		return nil, err
	}

	if h.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("parse avg_price %q: %w", avgPrice, err)
	}
	if h.CurrentPrice, err = decimal.NewFromString(currentPrice); err != nil {
		return nil, fmt.Errorf("parse current_price %q: %w", currentPrice, err)
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &h, nil
}
