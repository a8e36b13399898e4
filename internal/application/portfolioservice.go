package application

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxNoteLength       = 4000
	maxTags             = 20
)

var (
	accountNumberRe = regexp.MustCompile(`^[0-9]{8}$`)
	productCodeRe   = regexp.MustCompile(`^[0-9]{2}$`)
	stockCodeRe     = regexp.MustCompile(`^[0-9A-Z]{6}$`)

	strictPolicy = bluemonday.StrictPolicy()
)

// ValidStockCode reports whether code looks like a six character KRX short code.
func ValidStockCode(code string) bool {
	return stockCodeRe.MatchString(code)
}

// PortfolioService serves the user-facing portfolio operations: credential
// registration, holdings listing, stock meta and price history.
type PortfolioService struct {
	credStore      driven.CredentialStore
	portfolioStore driven.PortfolioStore
	metaStore      driven.StockMetaStore
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(
	credStore driven.CredentialStore,
	portfolioStore driven.PortfolioStore,
	metaStore driven.StockMetaStore,
) *PortfolioService {
	return &PortfolioService{
		credStore:      credStore,
		portfolioStore: portfolioStore,
		metaStore:      metaStore,
	}
}

// RegisterCredential validates and stores the user's broker credential,
// replacing any previous one. An empty product code defaults to "01".
func (s *PortfolioService) RegisterCredential(ctx context.Context, cred model.BrokerCredential) error {
	cred.AppKey = strings.TrimSpace(cred.AppKey)
	cred.AppSecret = strings.TrimSpace(cred.AppSecret)
	cred.AccountNumber = strings.TrimSpace(cred.AccountNumber)
	cred.AccountProductCode = strings.TrimSpace(cred.AccountProductCode)
	if cred.AccountProductCode == "" {
		cred.AccountProductCode = "01"
	}

	switch {
	case cred.AppKey == "":
		return fmt.Errorf("%w: app_key is required", ErrValidation)
	case cred.AppSecret == "":
		return fmt.Errorf("%w: app_secret is required", ErrValidation)
	case !accountNumberRe.MatchString(cred.AccountNumber):
		return fmt.Errorf("%w: account_no must be exactly 8 digits", ErrValidation)
	case !productCodeRe.MatchString(cred.AccountProductCode):
		return fmt.Errorf("%w: account_prod must be exactly 2 digits", ErrValidation)
	}

	return s.credStore.Upsert(ctx, cred)
}

// RemoveCredential deletes the user's broker credential. Scheduled passes skip
// the user from then on; stored holdings and history are kept.
func (s *PortfolioService) RemoveCredential(ctx context.Context, userID int64) error {
	return s.credStore.Delete(ctx, userID)
}

// ListHoldings returns the user's holdings joined with their stock meta.
func (s *PortfolioService) ListHoldings(ctx context.Context, userID int64) ([]model.HoldingView, error) {
	holdings, err := s.portfolioStore.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	metas, err := s.metaStore.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]model.HoldingView, 0, len(holdings))
	for _, h := range holdings {
		view := model.HoldingView{Holding: h}
		if m, ok := metas[h.StockCode]; ok {
			view.Meta = &m
		}
		views = append(views, view)
	}

	return views, nil
}

// UpdateStockMeta merges update into the user's meta for the stock. The note
// is stripped of HTML and tags are normalized to a trimmed comma list.
func (s *PortfolioService) UpdateStockMeta(ctx context.Context, userID int64, stockCode string, update model.StockMetaUpdate) (model.StockMeta, error) {
	if !ValidStockCode(stockCode) {
		return model.StockMeta{}, fmt.Errorf("%w: invalid stock code %q", ErrValidation, stockCode)
	}

	if update.Note != nil {
		note := strings.TrimSpace(stripHTML(*update.Note))
		if len(note) > maxNoteLength {
			return model.StockMeta{}, fmt.Errorf("%w: note exceeds %d characters", ErrValidation, maxNoteLength)
		}
		update.Note = &note
	}

	if update.TargetPrice != nil && update.TargetPrice.IsNegative() {
		return model.StockMeta{}, fmt.Errorf("%w: target_price must not be negative", ErrValidation)
	}

	if update.Tags != nil {
		tags, err := normalizeTags(*update.Tags)
		if err != nil {
			return model.StockMeta{}, err
		}
		update.Tags = &tags
	}

	current, err := s.metaStore.Get(ctx, userID, stockCode)
	if err != nil {
		return model.StockMeta{}, err
	}

	base := model.StockMeta{UserID: userID, StockCode: stockCode}
	if current != nil {
		base = *current
	}

	merged := base.Merge(update)
	if err := s.metaStore.Upsert(ctx, merged); err != nil {
		return model.StockMeta{}, err
	}

	return merged, nil
}

// PriceHistory returns the most recent price observations for a stock. A
// non-positive limit selects the default.
func (s *PortfolioService) PriceHistory(ctx context.Context, stockCode string, limit int) ([]model.PriceHistory, error) {
	if !ValidStockCode(stockCode) {
		return nil, fmt.Errorf("%w: invalid stock code %q", ErrValidation, stockCode)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.portfolioStore.ListPriceHistory(ctx, stockCode, limit)
}

// PortfolioSummary totals a set of holdings.
type PortfolioSummary struct {
	Invested    decimal.Decimal
	MarketValue decimal.Decimal
	ProfitLoss  decimal.Decimal
}

// Summarize totals cost basis and market value across views.
func Summarize(views []model.HoldingView) PortfolioSummary {
	var sum PortfolioSummary
	for _, v := range views {
		qty := decimal.NewFromInt(v.Holding.Quantity)
		sum.Invested = sum.Invested.Add(v.Holding.AvgPrice.Mul(qty))
		sum.MarketValue = sum.MarketValue.Add(v.Holding.MarketValue())
	}
	sum.ProfitLoss = sum.MarketValue.Sub(sum.Invested)
	return sum
}

func normalizeTags(raw string) (string, error) {
	parts := strings.Split(stripHTML(raw), ",")
	seen := make(map[string]bool, len(parts))
	tags := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[strings.ToLower(p)] {
			continue
		}
		seen[strings.ToLower(p)] = true
		tags = append(tags, p)
	}

	if len(tags) > maxTags {
		return "", fmt.Errorf("%w: at most %d tags allowed", ErrValidation, maxTags)
	}
	return strings.Join(tags, ","), nil
}

// stripHTML removes all markup and returns plain text.
func stripHTML(s string) string {
	return html.UnescapeString(strictPolicy.Sanitize(s))
}
