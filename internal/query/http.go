package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpSettle/internal/observability"
)

// HTTPHandler exposes the query service as plain JSON over HTTP.
type HTTPHandler struct {
	svc     *Service
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHTTPHandler(svc *Service, metrics *observability.Metrics, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:     svc,
		metrics: metrics,
		logger:  logger.With().Str("component", "query_http").Logger(),
	}
}

// Routes registers all query endpoints on a mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/market", h.handleMarket)
	mux.HandleFunc("GET /v1/ledger", h.handleLedger)
	mux.HandleFunc("GET /v1/accounts/{id}", h.handleAccount)
	mux.HandleFunc("GET /v1/accounts/{id}/journal", h.handleJournalHistory)
	mux.HandleFunc("GET /v1/batches", h.handleBatchHistory)
	mux.HandleFunc("GET /v1/integrity", h.handleIntegrity)
}

func (h *HTTPHandler) handleMarket(w http.ResponseWriter, r *http.Request) {
	defer h.observe("market", time.Now())
	h.writeJSON(w, "market", http.StatusOK, h.svc.GetMarket())
}

func (h *HTTPHandler) handleLedger(w http.ResponseWriter, r *http.Request) {
	defer h.observe("ledger", time.Now())
	h.writeJSON(w, "ledger", http.StatusOK, h.svc.GetLedger())
}

func (h *HTTPHandler) handleAccount(w http.ResponseWriter, r *http.Request) {
	defer h.observe("account", time.Now())

	account, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, "account", http.StatusBadRequest, "invalid account id")
		return
	}
	h.writeJSON(w, "account", http.StatusOK, h.svc.GetAccount(account))
}

func (h *HTTPHandler) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	defer h.observe("journal_history", time.Now())

	account, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, "journal_history", http.StatusBadRequest, "invalid account id")
		return
	}

	limit, after, err := pagination(r)
	if err != nil {
		h.writeError(w, "journal_history", http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.svc.GetJournalHistory(r.Context(), account, limit, after)
	if err != nil {
		h.serviceError(w, "journal_history", err)
		return
	}
	h.writeJSON(w, "journal_history", http.StatusOK, entries)
}

func (h *HTTPHandler) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	defer h.observe("batch_history", time.Now())

	limit, after, err := pagination(r)
	if err != nil {
		h.writeError(w, "batch_history", http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.svc.GetBatchHistory(r.Context(), limit, after)
	if err != nil {
		h.serviceError(w, "batch_history", err)
		return
	}
	h.writeJSON(w, "batch_history", http.StatusOK, entries)
}

func (h *HTTPHandler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	defer h.observe("integrity", time.Now())

	report, err := h.svc.VerifyIntegrity(r.Context())
	if err != nil {
		h.serviceError(w, "integrity", err)
		return
	}
	h.writeJSON(w, "integrity", http.StatusOK, report)
}

func pagination(r *http.Request) (int, *int64, error) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, nil, errors.New("invalid limit")
		}
		limit = v
	}

	var after *int64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, errors.New("invalid after cursor")
		}
		after = &v
	}

	return limit, after, nil
}

func (h *HTTPHandler) serviceError(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, ErrNoHistory) {
		h.writeError(w, endpoint, http.StatusNotImplemented, err.Error())
		return
	}
	h.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	h.writeError(w, endpoint, http.StatusInternalServerError, "internal error")
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, endpoint string, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("encode response")
	}
	h.count(endpoint, status)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, endpoint string, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
	h.count(endpoint, status)
}

func (h *HTTPHandler) count(endpoint string, status int) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (h *HTTPHandler) observe(endpoint string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
