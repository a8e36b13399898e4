package application

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// TokenSafetyMargin is how long before expiry a cached token stops being reused.
const TokenSafetyMargin = 5 * time.Minute

// TokenRequestTimeout bounds one token endpoint round trip.
const TokenRequestTimeout = 30 * time.Second

// TokenCache caches brokerage access tokens per credential pair for the life of
// the process. Concurrent requests for the same stale pair share a single
// Authenticate call; different pairs never wait on each other.
type TokenCache struct {
	issuer driven.TokenIssuer
	now    func() time.Time

	mu      sync.Mutex
	entries map[model.CredentialPair]model.AccessToken
	group   singleflight.Group
}

// NewTokenCache creates an empty cache. now may be nil to use time.Now.
func NewTokenCache(issuer driven.TokenIssuer, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		issuer:  issuer,
		now:     now,
		entries: make(map[model.CredentialPair]model.AccessToken),
	}
}

// GetToken returns a live token for the credential's pair, authenticating when
// no cached token outlives the safety margin. Failed attempts are not cached.
func (c *TokenCache) GetToken(ctx context.Context, cred model.BrokerCredential) (string, error) {
	pair := cred.Pair()

	if tok, ok := c.lookup(pair); ok {
		return tok.Token, nil
	}

	ch := c.group.DoChan(flightKey(pair), func() (any, error) {
		// A caller that lost the race to a just-finished flight finds the fresh entry here.
		if tok, ok := c.lookup(pair); ok {
			return tok, nil
		}

		// Detached from the caller so one canceled waiter cannot fail the others.
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), TokenRequestTimeout)
		defer cancel()

		tok, err := c.issuer.Authenticate(authCtx, cred)
		if err != nil {
			return model.AccessToken{}, err
		}

		c.mu.Lock()
		c.entries[pair] = tok
		c.mu.Unlock()

		slog.Info("access token refreshed", "app_key", maskKey(pair.AppKey), "expires_at", tok.ExpiresAt)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			slog.Debug("access token request coalesced", "app_key", maskKey(pair.AppKey))
		}
		return res.Val.(model.AccessToken).Token, nil
	}
}

// Invalidate drops the cached token of the credential's pair, forcing the next
// GetToken to authenticate. Callers use it when the brokerage rejects a token
// before its recorded expiry.
func (c *TokenCache) Invalidate(cred model.BrokerCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cred.Pair())
}

func (c *TokenCache) lookup(pair model.CredentialPair) (model.AccessToken, bool) {
	c.mu.Lock()
	tok, ok := c.entries[pair]
	c.mu.Unlock()

	if !ok || !tok.ValidAt(c.now(), TokenSafetyMargin) {
		return model.AccessToken{}, false
	}
	return tok, true
}

func flightKey(pair model.CredentialPair) string {
	return pair.AppKey + "\x00" + pair.AppSecret
}

// maskKey keeps the first four characters of an app key for log correlation.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// Token rejection codes returned by the KIS gateway for an invalid or expired token.
var tokenRejectedCodes = map[string]bool{
	"EGW00121": true,
	"EGW00123": true,
}

// tokenRejected reports whether a broker failure means the bearer token itself
// was refused, so the cached copy must not be reused.
func tokenRejected(err error, msgCode string) bool {
	if tokenRejectedCodes[msgCode] {
		return true
	}

	var apiErr *driven.APIError
	if errors.As(err, &apiErr) {
		return tokenRejectedCodes[apiErr.MessageCode]
	}

	var tErr *driven.TransportError
	if errors.As(err, &tErr) {
		if tErr.StatusCode == http.StatusUnauthorized || tErr.StatusCode == http.StatusForbidden {
			return true
		}
		for code := range tokenRejectedCodes {
			if strings.Contains(tErr.Body, code) {
				return true
			}
		}
	}
	return false
}
