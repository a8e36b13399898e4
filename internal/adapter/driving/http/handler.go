package httphandler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/kisfolio/internal/application"
	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

const maxBodyBytes = 1 << 20

// ManualSyncer runs an out-of-schedule sync and exposes the last pass.
// *application.Scheduler is the production implementation.
type ManualSyncer interface {
	SyncUser(ctx context.Context, userID int64) (model.SyncResult, error)
	LastReport() (model.PassReport, bool)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	auth      *application.AuthService
	portfolio *application.PortfolioService
	quotes    *application.QuoteService
	syncer    ManualSyncer
	devBypass bool
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. devBypass lets
// requests without an Authorization header act as the development user.
func NewHandler(
	auth *application.AuthService,
	portfolio *application.PortfolioService,
	quotes *application.QuoteService,
	syncer ManualSyncer,
	devBypass bool,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		auth:      auth,
		portfolio: portfolio,
		quotes:    quotes,
		syncer:    syncer,
		devBypass: devBypass,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with request ID, logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("POST /api/v1/auth/signup", h.Signup)
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)

	mux.HandleFunc("POST /api/v1/portfolio/keys", h.requireUser(h.RegisterKeys))
	mux.HandleFunc("DELETE /api/v1/portfolio/keys", h.requireUser(h.DeleteKeys))
	mux.HandleFunc("POST /api/v1/portfolio/sync", h.requireUser(h.SyncPortfolio))
	mux.HandleFunc("GET /api/v1/portfolio/holdings", h.requireUser(h.ListHoldings))
	mux.HandleFunc("POST /api/v1/portfolio/stocks/{code}/meta", h.requireUser(h.UpdateStockMeta))
	mux.HandleFunc("GET /api/v1/portfolio/stocks/{code}/history", h.requireUser(h.PriceHistory))
	mux.HandleFunc("GET /api/v1/stocks/{code}/price", h.requireUser(h.CurrentPrice))
	mux.HandleFunc("GET /api/v1/sync/status", h.requireUser(h.SyncStatus))

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// SyncStatus returns the report of the most recent scheduler pass.
func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	report, ok := h.syncer.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no sync pass has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, toPassReportResponse(report))
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps err to a response, logging anything unexpected.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, expose := statusForError(err)
	if !expose {
		h.logger.Error(msg, "request_id", requestIDFrom(r.Context()), "error", err)
		writeError(w, status, "internal server error")
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn(msg, "request_id", requestIDFrom(r.Context()), "error", err)
	}
	writeError(w, status, err.Error())
}
