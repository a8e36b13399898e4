// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// TokenIssuer obtains a fresh access token for a credential pair.
type TokenIssuer interface {
	Authenticate(ctx context.Context, cred model.BrokerCredential) (model.AccessToken, error)
}

// BrokerClient defines the driven port for the brokerage API. Every call is
// stateless apart from the bearer token passed in.
type BrokerClient interface {
	TokenIssuer

	// FetchBalance returns the decoded balance payload. A 2xx response whose
	// result code is not "0" is returned without error; callers check OK().
	FetchBalance(ctx context.Context, cred model.BrokerCredential, token string) (*model.BalanceResponse, error)

	// FetchCurrentPrice returns the last traded price of a domestic stock.
	FetchCurrentPrice(ctx context.Context, cred model.BrokerCredential, token, stockCode string) (decimal.Decimal, error)
}

// TransportError is a network or HTTP-layer failure talking to the brokerage.
type TransportError struct {
	Op         string
	StatusCode int    // Zero when no response was received.
	Body       string // Response body for diagnostics, possibly truncated.
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a 2xx response carrying a non-zero brokerage result code.
type APIError struct {
	Op          string
	Code        string
	MessageCode string
	Message     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: brokerage returned rt_cd=%s (%s): %s", e.Op, e.Code, e.MessageCode, e.Message)
}
