package httphandler

import (
	"net/http"
	"strconv"

	"github.com/ericfisherdev/kisfolio/internal/application"
	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// RegisterKeys stores the caller's brokerage credential, replacing any previous one.
func (h *Handler) RegisterKeys(w http.ResponseWriter, r *http.Request) {
	var req RegisterKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.portfolio.RegisterCredential(r.Context(), model.BrokerCredential{
		UserID:             userIDFrom(r.Context()),
		AppKey:             req.AppKey,
		AppSecret:          req.AppSecret,
		AccountNumber:      req.AccountNo,
		AccountProductCode: req.AccountProd,
		IsSandbox:          req.IsVirtual,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to register keys", err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "keys registered"})
}

// DeleteKeys removes the caller's brokerage credential.
func (h *Handler) DeleteKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.portfolio.RemoveCredential(r.Context(), userIDFrom(r.Context())); err != nil {
		h.writeServiceError(w, r, "failed to remove keys", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SyncPortfolio syncs the caller's portfolio now and returns the outcome. A
// failed sync is reported in the body, not as an HTTP error.
func (h *Handler) SyncPortfolio(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.SyncUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "sync did not complete: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toSyncResultResponse(res))
}

// ListHoldings returns the caller's holdings joined with their stock meta.
func (h *Handler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	views, err := h.portfolio.ListHoldings(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "failed to list holdings", err)
		return
	}

	sum := application.Summarize(views)
	resp := HoldingsResponse{
		Holdings: make([]HoldingResponse, 0, len(views)),
		Summary: PortfolioSummaryResponse{
			Invested:    sum.Invested,
			MarketValue: sum.MarketValue,
			ProfitLoss:  sum.ProfitLoss,
		},
	}
	for _, v := range views {
		resp.Holdings = append(resp.Holdings, toHoldingResponse(v))
	}

	writeJSON(w, http.StatusOK, resp)
}

// UpdateStockMeta applies a partial update to the caller's meta for a stock.
func (h *Handler) UpdateStockMeta(w http.ResponseWriter, r *http.Request) {
	var req StockMetaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	meta, err := h.portfolio.UpdateStockMeta(r.Context(), userIDFrom(r.Context()), r.PathValue("code"), model.StockMetaUpdate{
		Note:        req.Note,
		TargetPrice: req.TargetPrice,
		Tags:        req.Tags,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to update stock meta", err)
		return
	}

	writeJSON(w, http.StatusOK, toStockMetaResponse(meta))
}

// PriceHistory returns recorded prices of a stock, newest first.
func (h *Handler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := h.portfolio.PriceHistory(r.Context(), code, limit)
	if err != nil {
		h.writeServiceError(w, r, "failed to list price history", err)
		return
	}

	resp := PriceHistoryResponse{StockCode: code, History: make([]PricePointResponse, 0, len(history))}
	for _, p := range history {
		resp.History = append(resp.History, PricePointResponse{Price: p.Price, RecordedAt: formatTime(p.RecordedAt)})
	}

	writeJSON(w, http.StatusOK, resp)
}

// CurrentPrice looks up the live price of a stock with the caller's credential.
func (h *Handler) CurrentPrice(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	price, err := h.quotes.CurrentPrice(r.Context(), userIDFrom(r.Context()), code)
	if err != nil {
		h.writeServiceError(w, r, "failed to fetch current price", err)
		return
	}

	writeJSON(w, http.StatusOK, PriceResponse{StockCode: code, CurrentPrice: price})
}
