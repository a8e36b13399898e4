package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StockMetaStore = (*StockMetaRepo)(nil)

// StockMetaRepo is the SQLite implementation of the StockMetaStore port interface.
type StockMetaRepo struct {
	db *DB
}

// NewStockMetaRepo creates a new StockMetaRepo backed by the given DB.
func NewStockMetaRepo(db *DB) *StockMetaRepo {
	return &StockMetaRepo{db: db}
}

// Get returns the user's meta for a stock, or nil if none exists.
func (r *StockMetaRepo) Get(ctx context.Context, userID int64, stockCode string) (*model.StockMeta, error) {
	const query = `
		SELECT user_id, stock_code, note, target_price, tags, updated_at
		FROM stock_metas WHERE user_id = ? AND stock_code = ?
	`

	meta, err := scanStockMeta(r.db.Reader.QueryRowContext(ctx, query, userID, stockCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stock meta %s for user %d: %w", stockCode, userID, err)
	}
	return meta, nil
}

// Upsert writes every field of meta, including NULLs for unset fields.
func (r *StockMetaRepo) Upsert(ctx context.Context, meta model.StockMeta) error {
	const query = `
		INSERT INTO stock_metas (user_id, stock_code, note, target_price, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, stock_code) DO UPDATE SET
			note = excluded.note,
			target_price = excluded.target_price,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`

	var targetPrice sql.NullString
	if meta.TargetPrice != nil {
		targetPrice = sql.NullString{String: meta.TargetPrice.String(), Valid: true}
	}

	updatedAt := meta.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		meta.UserID, meta.StockCode, meta.Note, targetPrice, meta.Tags, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert stock meta %s for user %d: %w", meta.StockCode, meta.UserID, err)
	}
	return nil
}

// ListByUser returns the user's meta keyed by stock code.
func (r *StockMetaRepo) ListByUser(ctx context.Context, userID int64) (map[string]model.StockMeta, error) {
	const query = `
		SELECT user_id, stock_code, note, target_price, tags, updated_at
		FROM stock_metas WHERE user_id = ?
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list stock metas for user %d: %w", userID, err)
	}
	defer rows.Close()

	metas := make(map[string]model.StockMeta)
	for rows.Next() {
		meta, err := scanStockMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock meta: %w", err)
		}
		metas[meta.StockCode] = *meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock metas: %w", err)
	}

	return metas, nil
}

func scanStockMeta(s scanner) (*model.StockMeta, error) {
	var (
		meta        model.StockMeta
		note        sql.NullString
		targetPrice sql.NullString
		tags        sql.NullString
		updatedAt   string
	)

	err := s.Scan(&meta.UserID, &meta.StockCode, &note, &targetPrice, &tags, &updatedAt)
	if err != nil {
		return nil, err
	}

	if note.Valid {
		meta.Note = &note.String
	}
	if tags.Valid {
		meta.Tags = &tags.String
	}
	if targetPrice.Valid {
		d, err := decimal.NewFromString(targetPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse target_price %q: %w", targetPrice.String, err)
		}
		meta.TargetPrice = &d
	}

	if meta.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &meta, nil
}
