// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// SyncService reconciles one user's brokerage balance into local holdings and
// price history.
type SyncService struct {
	credStore      driven.CredentialStore
	portfolioStore driven.PortfolioStore
	broker         driven.BrokerClient
	tokens         *TokenCache
	pruneAbsent    bool
	now            func() time.Time
}

// NewSyncService creates a SyncService. When pruneAbsent is true, holdings that
// no longer appear in the balance response are deleted in the same transaction
// as the upserts.
func NewSyncService(
	credStore driven.CredentialStore,
	portfolioStore driven.PortfolioStore,
	broker driven.BrokerClient,
	tokens *TokenCache,
	pruneAbsent bool,
) *SyncService {
	return &SyncService{
		credStore:      credStore,
		portfolioStore: portfolioStore,
		broker:         broker,
		tokens:         tokens,
		pruneAbsent:    pruneAbsent,
		now:            time.Now,
	}
}

// SyncUserPortfolio fetches the user's balance and applies it to storage. It
// never returns an error: every failure is classified into the result, and a
// failed sync writes nothing.
func (s *SyncService) SyncUserPortfolio(ctx context.Context, userID int64) model.SyncResult {
	result := model.SyncResult{UserID: userID, StartedAt: s.now()}
	finish := func(status model.SyncStatus, msg string) model.SyncResult {
		result.Status = status
		result.Message = msg
		result.FinishedAt = s.now()
		return result
	}

	cred, err := s.credStore.GetByUser(ctx, userID)
	if err != nil {
		slog.Error("credential lookup failed", "user_id", userID, "error", err)
		return finish(model.SyncStatusPersistenceError, err.Error())
	}
	if cred == nil {
		slog.Warn("no broker credential registered", "user_id", userID)
		return finish(model.SyncStatusNoCredential, "no broker credential registered")
	}

	token, err := s.tokens.GetToken(ctx, *cred)
	if err != nil {
		slog.Error("token acquisition failed", "user_id", userID, "error", err)
		return finish(model.SyncStatusTransportError, err.Error())
	}

	balance, err := s.broker.FetchBalance(ctx, *cred, token)
	if err != nil {
		slog.Error("balance fetch failed", "user_id", userID, "error", err)
		s.dropRejectedToken(*cred, err, "")
		return finish(classifyBrokerError(err), err.Error())
	}

	if !balance.OK() {
		s.dropRejectedToken(*cred, nil, balance.MessageCode)
		slog.Error("balance rejected by brokerage",
			"user_id", userID,
			"rt_cd", balance.ResultCode,
			"msg_cd", balance.MessageCode,
			"message", balance.Message,
		)
		return finish(model.SyncStatusAPIError, balance.Message)
	}

	syncedAt := s.now()
	holdings, prices, err := reconcile(userID, balance.Holdings, syncedAt)
	if err != nil {
		slog.Error("balance payload invalid", "user_id", userID, "error", err)
		return finish(model.SyncStatusAPIError, err.Error())
	}

	removed, err := s.portfolioStore.ApplySync(ctx, driven.PortfolioSync{
		UserID:      userID,
		Holdings:    holdings,
		Prices:      prices,
		SyncedAt:    syncedAt,
		PruneAbsent: s.pruneAbsent,
	})
	if err != nil {
		slog.Error("portfolio write failed", "user_id", userID, "error", err)
		return finish(model.SyncStatusPersistenceError, err.Error())
	}

	result.HoldingsProcessed = len(holdings)
	result.HoldingsRemoved = removed

	slog.Info("portfolio synced",
		"user_id", userID,
		"holdings", len(holdings),
		"removed", removed,
	)

	return finish(model.SyncStatusSuccess, "")
}

func (s *SyncService) dropRejectedToken(cred model.BrokerCredential, err error, msgCode string) {
	if tokenRejected(err, msgCode) {
		slog.Warn("access token rejected, dropping cached token", "user_id", cred.UserID)
		s.tokens.Invalidate(cred)
	}
}

// reconcile converts balance records into holding upserts and price
// observations. Zero-quantity positions are dropped entirely. Any malformed
// number invalidates the whole response so that nothing partial is written.
func reconcile(userID int64, items []model.BalanceItem, at time.Time) ([]model.Holding, []model.PriceHistory, error) {
	holdings := make([]model.Holding, 0, len(items))
	prices := make([]model.PriceHistory, 0, len(items))

	for _, item := range items {
		code := strings.TrimSpace(item.StockCode)

		qty, err := parseQuantity(item.Quantity)
		if err != nil {
			return nil, nil, fmt.Errorf("holding %s: %w", code, err)
		}
		if qty == 0 {
			continue
		}
		if code == "" {
			return nil, nil, errors.New("holding with empty pdno")
		}

		avg, err := parsePrice(item.AvgPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("holding %s pchs_avg_pric: %w", code, err)
		}
		current, err := parsePrice(item.CurrentPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("holding %s prpr: %w", code, err)
		}

		holdings = append(holdings, model.Holding{
			UserID:       userID,
			StockCode:    code,
			StockName:    strings.TrimSpace(item.StockName),
			Quantity:     qty,
			AvgPrice:     avg,
			CurrentPrice: current,
			UpdatedAt:    at,
		})
		prices = append(prices, model.PriceHistory{
			StockCode:  code,
			Price:      current,
			RecordedAt: at,
		})
	}

	return holdings, prices, nil
}

// parseQuantity parses hldg_qty. An empty field counts as zero.
func parseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	qty, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hldg_qty %q", s)
	}
	if qty < 0 {
		return 0, fmt.Errorf("negative hldg_qty %q", s)
	}
	return qty, nil
}

// parsePrice parses a decimal price field. An empty field counts as zero.
func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q", s)
	}
	return d, nil
}

// classifyBrokerError maps a broker call failure onto a sync status.
func classifyBrokerError(err error) model.SyncStatus {
	var apiErr *driven.APIError
	if errors.As(err, &apiErr) {
		return model.SyncStatusAPIError
	}
	return model.SyncStatusTransportError
}
