package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/application"
	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusForError maps service errors onto HTTP statuses. The second result is
// false for errors that should be logged and hidden behind a generic 500.
func statusForError(err error) (int, bool) {
	var transportErr *driven.TransportError
	var apiErr *driven.APIError

	switch {
	case errors.Is(err, application.ErrValidation):
		return http.StatusBadRequest, true
	case errors.Is(err, application.ErrNoCredential):
		return http.StatusConflict, true
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		return http.StatusServiceUnavailable, true
	case errors.As(err, &apiErr), errors.As(err, &transportErr):
		return http.StatusBadGateway, true
	default:
		return http.StatusInternalServerError, false
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// messageResponse acknowledges a write with no other payload.
type messageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// CredentialsRequest is the body of a sign-up or login request.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse is the JSON representation of an account.
type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// TokenResponse carries a session token issued by login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// RegisterKeysRequest is the body of a broker credential registration.
type RegisterKeysRequest struct {
	AppKey      string `json:"app_key"`
	AppSecret   string `json:"app_secret"`
	AccountNo   string `json:"account_no"`
	AccountProd string `json:"account_prod"`
	IsVirtual   bool   `json:"is_virtual"`
}

// StockMetaRequest is a partial stock meta update. Omitted fields are kept.
type StockMetaRequest struct {
	Note        *string          `json:"note"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Tags        *string          `json:"tags"`
}

// StockMetaResponse is the JSON representation of a user's stock meta.
type StockMetaResponse struct {
	Note        *string          `json:"note"`
	NoteHTML    string           `json:"note_html,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Tags        *string          `json:"tags"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

// HoldingResponse is the JSON representation of a holding with its meta.
type HoldingResponse struct {
	StockCode    string             `json:"stock_code"`
	StockName    string             `json:"stock_name"`
	Quantity     int64              `json:"quantity"`
	AvgPrice     decimal.Decimal    `json:"avg_price"`
	CurrentPrice decimal.Decimal    `json:"current_price"`
	MarketValue  decimal.Decimal    `json:"market_value"`
	ProfitLoss   decimal.Decimal    `json:"profit_loss"`
	UpdatedAt    string             `json:"updated_at"`
	Meta         *StockMetaResponse `json:"meta"`
}

// PortfolioSummaryResponse totals the holdings of a user.
type PortfolioSummaryResponse struct {
	Invested    decimal.Decimal `json:"invested"`
	MarketValue decimal.Decimal `json:"market_value"`
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
}

// HoldingsResponse is the body of the holdings listing.
type HoldingsResponse struct {
	Holdings []HoldingResponse        `json:"holdings"`
	Summary  PortfolioSummaryResponse `json:"summary"`
}

// PricePointResponse is one price history observation.
type PricePointResponse struct {
	Price      decimal.Decimal `json:"price"`
	RecordedAt string          `json:"recorded_at"`
}

// PriceHistoryResponse is the body of the price history listing.
type PriceHistoryResponse struct {
	StockCode string               `json:"stock_code"`
	History   []PricePointResponse `json:"history"`
}

// PriceResponse is the current price of a stock.
type PriceResponse struct {
	StockCode    string          `json:"stock_code"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// SyncResultResponse is the JSON representation of one user's sync.
type SyncResultResponse struct {
	UserID            int64  `json:"user_id"`
	Status            string `json:"status"`
	HoldingsProcessed int    `json:"holdings_processed"`
	HoldingsRemoved   int    `json:"holdings_removed"`
	Message           string `json:"message,omitempty"`
	StartedAt         string `json:"started_at"`
	FinishedAt        string `json:"finished_at"`
}

// PassReportResponse is the JSON representation of a scheduler pass.
type PassReportResponse struct {
	RunID        string               `json:"run_id"`
	StartedAt    string               `json:"started_at"`
	FinishedAt   string               `json:"finished_at"`
	Users        int                  `json:"users"`
	Succeeded    int                  `json:"succeeded"`
	Failed       int                  `json:"failed"`
	NoCredential int                  `json:"skipped_no_credential"`
	Canceled     bool                 `json:"canceled"`
	Results      []SyncResultResponse `json:"results"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toStockMetaResponse(m model.StockMeta) *StockMetaResponse {
	resp := &StockMetaResponse{
		Note:        m.Note,
		TargetPrice: m.TargetPrice,
		Tags:        m.Tags,
		UpdatedAt:   formatTime(m.UpdatedAt),
	}
	if m.Note != nil {
		resp.NoteHTML = strings.TrimSpace(RenderNote(*m.Note))
	}
	return resp
}

func toHoldingResponse(v model.HoldingView) HoldingResponse {
	h := v.Holding
	resp := HoldingResponse{
		StockCode:    h.StockCode,
		StockName:    h.StockName,
		Quantity:     h.Quantity,
		AvgPrice:     h.AvgPrice,
		CurrentPrice: h.CurrentPrice,
		MarketValue:  h.MarketValue(),
		ProfitLoss:   h.ProfitLoss(),
		UpdatedAt:    formatTime(h.UpdatedAt),
	}
	if v.Meta != nil {
		resp.Meta = toStockMetaResponse(*v.Meta)
	}
	return resp
}

func toSyncResultResponse(r model.SyncResult) SyncResultResponse {
	return SyncResultResponse{
		UserID:            r.UserID,
		Status:            string(r.Status),
		HoldingsProcessed: r.HoldingsProcessed,
		HoldingsRemoved:   r.HoldingsRemoved,
		Message:           r.Message,
		StartedAt:         formatTime(r.StartedAt),
		FinishedAt:        formatTime(r.FinishedAt),
	}
}

func toPassReportResponse(p model.PassReport) PassReportResponse {
	resp := PassReportResponse{
		RunID:        p.RunID.String(),
		StartedAt:    formatTime(p.StartedAt),
		FinishedAt:   formatTime(p.FinishedAt),
		Users:        len(p.Results),
		Succeeded:    p.Succeeded(),
		Failed:       p.Failed(),
		NoCredential: p.Count(model.SyncStatusNoCredential),
		Canceled:     p.Canceled,
		Results:      make([]SyncResultResponse, 0, len(p.Results)),
	}
	for _, r := range p.Results {
		resp.Results = append(resp.Results, toSyncResultResponse(r))
	}
	return resp
}
