// Package kis implements the BrokerClient port against the Korea Investment &
// Securities Open API.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BrokerClient = (*Client)(nil)

const (
	DefaultLiveBaseURL    = "https://openapi.koreainvestment.com:9443"
	DefaultSandboxBaseURL = "https://openapivts.koreainvestment.com:29443"

	tokenPath   = "/oauth2/tokenP"
	balancePath = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pricePath   = "/uapi/domestic-stock/v1/quotations/inquire-price"

	trIDBalanceLive    = "TTTC8434R"
	trIDBalanceSandbox = "VTTC8434R"
	trIDPrice          = "FHKST01010100"

	// expiryLayout is the format of access_token_token_expired. It carries no
	// zone and is interpreted in the client's location.
	expiryLayout = "2006-01-02 15:04:05"

	maxBodyBytes  = 1 << 20
	maxErrorBytes = 512
)

// Request budgets per app key. KIS allows 20 calls/s on live accounts and 2 on
// sandbox accounts; the live budget keeps some headroom.
var (
	liveLimit    = rate.Limit(18)
	sandboxLimit = rate.Limit(2)
)

// Options configures a Client. Zero values select production defaults.
type Options struct {
	HTTPClient     *http.Client
	LiveBaseURL    string
	SandboxBaseURL string
	// Location is used to parse token expiry timestamps. Defaults to time.Local.
	Location *time.Location
	// Unlimited disables per-app-key rate limiting.
	Unlimited bool
}

// Client implements driven.BrokerClient over HTTP.
type Client struct {
	http       *http.Client
	liveURL    string
	sandboxURL string
	loc        *time.Location
	unlimited  bool
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewClient creates a KIS API client.
func NewClient(opts Options) *Client {
	c := &Client{
		http:       opts.HTTPClient,
		liveURL:    strings.TrimRight(opts.LiveBaseURL, "/"),
		sandboxURL: strings.TrimRight(opts.SandboxBaseURL, "/"),
		loc:        opts.Location,
		unlimited:  opts.Unlimited,
		limiters:   make(map[string]*rate.Limiter),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.liveURL == "" {
		c.liveURL = DefaultLiveBaseURL
	}
	if c.sandboxURL == "" {
		c.sandboxURL = DefaultSandboxBaseURL
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	return c
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"access_token_token_expired"`
}

type priceResponse struct {
	ResultCode  string `json:"rt_cd"`
	MessageCode string `json:"msg_cd"`
	Message     string `json:"msg1"`
	Output      struct {
		Price string `json:"stck_prpr"`
	} `json:"output"`
}

// Authenticate requests a new access token with the client-credentials grant.
func (c *Client) Authenticate(ctx context.Context, cred model.BrokerCredential) (model.AccessToken, error) {
	const op = "kis authenticate"

	body, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    cred.AppKey,
		AppSecret: cred.AppSecret,
	})
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(cred)+tokenPath, bytes.NewReader(body))
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp tokenResponse
	if err := c.do(ctx, op, cred, req, &resp); err != nil {
		return model.AccessToken{}, err
	}

	if resp.AccessToken == "" {
		return model.AccessToken{}, &driven.TransportError{Op: op, Err: fmt.Errorf("response has no access_token")}
	}

	expiresAt, err := time.ParseInLocation(expiryLayout, resp.ExpiresAt, c.loc)
	if err != nil {
		return model.AccessToken{}, &driven.TransportError{Op: op, Err: fmt.Errorf("parse token expiry %q: %w", resp.ExpiresAt, err)}
	}

	slog.Debug("kis token issued", "sandbox", cred.IsSandbox, "expires_at", expiresAt)

	return model.AccessToken{Token: resp.AccessToken, ExpiresAt: expiresAt}, nil
}

// FetchBalance queries the domestic stock balance of the credential's account.
// Only the first page is requested.
func (c *Client) FetchBalance(ctx context.Context, cred model.BrokerCredential, token string) (*model.BalanceResponse, error) {
	const op = "kis inquire-balance"

	params := url.Values{}
	params.Set("CANO", cred.AccountNumber)
	params.Set("ACNT_PRDT_CD", cred.AccountProductCode)
	params.Set("AFHR_FLPR_YN", "N")
	params.Set("OFL_YN", "N")
	params.Set("INQR_DVSN", "02")
	params.Set("UNPR_DVSN", "01")
	params.Set("FUND_STTL_ICLD_YN", "N")
	params.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	params.Set("PRCS_DVSN", "00")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	trID := trIDBalanceLive
	if cred.IsSandbox {
		trID = trIDBalanceSandbox
	}

	req, err := c.newGet(ctx, cred, token, balancePath, trID, params)
	if err != nil {
		return nil, err
	}

	var resp model.BalanceResponse
	if err := c.do(ctx, op, cred, req, &resp); err != nil {
		return nil, err
	}

	slog.Debug("kis balance fetched",
		"sandbox", cred.IsSandbox,
		"rt_cd", resp.ResultCode,
		"holdings", len(resp.Holdings),
	)

	return &resp, nil
}

// FetchCurrentPrice returns the current price of a domestic equity.
func (c *Client) FetchCurrentPrice(ctx context.Context, cred model.BrokerCredential, token, stockCode string) (decimal.Decimal, error) {
	const op = "kis inquire-price"

	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", stockCode)

	req, err := c.newGet(ctx, cred, token, pricePath, trIDPrice, params)
	if err != nil {
		return decimal.Zero, err
	}

	var resp priceResponse
	if err := c.do(ctx, op, cred, req, &resp); err != nil {
		return decimal.Zero, err
	}

	// The quote endpoint omits rt_cd on some gateways; only a present non-zero code is an error.
	if resp.ResultCode != "" && resp.ResultCode != "0" {
		return decimal.Zero, &driven.APIError{Op: op, Code: resp.ResultCode, MessageCode: resp.MessageCode, Message: resp.Message}
	}

	price, err := decimal.NewFromString(strings.TrimSpace(resp.Output.Price))
	if err != nil {
		return decimal.Zero, &driven.APIError{Op: op, Code: resp.ResultCode, Message: fmt.Sprintf("invalid stck_prpr %q", resp.Output.Price)}
	}

	return price, nil
}

func (c *Client) baseURL(cred model.BrokerCredential) string {
	if cred.IsSandbox {
		return c.sandboxURL
	}
	return c.liveURL
}

func (c *Client) newGet(ctx context.Context, cred model.BrokerCredential, token, path, trID string, params url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(cred)+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("appkey", cred.AppKey)
	req.Header.Set("appsecret", cred.AppSecret)
	req.Header.Set("tr_id", trID)

	return req, nil
}

// do waits for the app key's rate budget, executes req and decodes a 2xx JSON
// body into out. Everything else becomes a *driven.TransportError.
func (c *Client) do(ctx context.Context, op string, cred model.BrokerCredential, req *http.Request, out any) error {
	if err := c.wait(ctx, cred); err != nil {
		return &driven.TransportError{Op: op, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &driven.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &driven.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	slog.Debug("kis api call",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &driven.TransportError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBytes)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &driven.TransportError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBytes), Err: fmt.Errorf("decode response: %w", err)}
	}

	return nil
}

func (c *Client) wait(ctx context.Context, cred model.BrokerCredential) error {
	if c.unlimited {
		return nil
	}
	return c.limiter(cred).Wait(ctx)
}

// limiter returns the rate limiter for the credential's app key, creating it on first use.
func (c *Client) limiter(cred model.BrokerCredential) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	key := cred.AppKey
	if l, ok := c.limiters[key]; ok {
		return l
	}

	limit := liveLimit
	if cred.IsSandbox {
		limit = sandboxLimit
	}
	l := rate.NewLimiter(limit, 1)
	c.limiters[key] = l
	return l
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
