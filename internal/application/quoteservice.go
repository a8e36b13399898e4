package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// Quote cache timings. Prices move constantly; the cache only absorbs bursts
// of identical lookups so they do not eat into the brokerage rate budget.
const (
	QuoteCacheTTL       = 30 * time.Second
	quoteCacheCleanup   = 2 * time.Minute
	quoteRequestTimeout = time.Minute
)

// ErrNoCredential is returned when an operation needs the user's broker
// credential and none is registered.
var ErrNoCredential = errors.New("no broker credential registered")

// QuoteService looks up current prices on behalf of a user.
type QuoteService struct {
	credStore driven.CredentialStore
	broker    driven.BrokerClient
	tokens    *TokenCache
	cache     *cache.Cache
	group     singleflight.Group
}

// NewQuoteService creates a QuoteService sharing the process-wide token cache.
func NewQuoteService(credStore driven.CredentialStore, broker driven.BrokerClient, tokens *TokenCache) *QuoteService {
	return &QuoteService{
		credStore: credStore,
		broker:    broker,
		tokens:    tokens,
		cache:     cache.New(QuoteCacheTTL, quoteCacheCleanup),
	}
}

// CurrentPrice returns the current price of stockCode using the user's
// credential. Sandbox and live prices are cached separately.
func (s *QuoteService) CurrentPrice(ctx context.Context, userID int64, stockCode string) (decimal.Decimal, error) {
	if !ValidStockCode(stockCode) {
		return decimal.Zero, fmt.Errorf("%w: invalid stock code %q", ErrValidation, stockCode)
	}

	cred, err := s.credStore.GetByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if cred == nil {
		return decimal.Zero, ErrNoCredential
	}

	env := "live"
	if cred.IsSandbox {
		env = "sandbox"
	}
	cacheKey := env + ":" + stockCode

	if v, found := s.cache.Get(cacheKey); found {
		return v.(decimal.Decimal), nil
	}

	// Prices are not account data, so concurrent lookups of one code share a
	// single fetch made with whichever credential arrived first.
	ch := s.group.DoChan(cacheKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quoteRequestTimeout)
		defer cancel()

		token, err := s.tokens.GetToken(fetchCtx, *cred)
		if err != nil {
			return decimal.Zero, err
		}

		price, err := s.broker.FetchCurrentPrice(fetchCtx, *cred, token, stockCode)
		if err != nil {
			if tokenRejected(err, "") {
				s.tokens.Invalidate(*cred)
			}
			return decimal.Zero, err
		}

		s.cache.SetDefault(cacheKey, price)
		return price, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}
