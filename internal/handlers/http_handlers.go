package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/ingest"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

const statsCacheKey = "admin_stats"

// Submitter admits validated submissions to the scoring queue
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (*database.Transaction, error)
}

// TransactionStore is the read side of the transaction repository backing
// the admin surface
type TransactionStore interface {
	Get(ctx context.Context, correlationID string) (*database.Transaction, error)
	List(ctx context.Context, filter database.TransactionFilter) ([]*database.Transaction, error)
	Count(ctx context.Context, filter database.TransactionFilter) (int, error)
	Stats(ctx context.Context) (*database.TransactionStats, error)
	TopSenders(ctx context.Context, limit int) ([]*database.SenderCount, error)
	ExportAll(ctx context.Context) ([]*database.Transaction, error)
}

// RuleStore is the rule repository surface backing the /rules endpoints
type RuleStore interface {
	Create(ctx context.Context, name, ruleType string, value float64, changedBy string) (*database.Rule, error)
	CreateWithParams(ctx context.Context, name, ruleType, params, changedBy string) (*database.Rule, error)
	Update(ctx context.Context, id, name, ruleType string, value float64, changedBy string) (*database.Rule, error)
	Delete(ctx context.Context, id, changedBy string) error
	Get(ctx context.Context, id string) (*database.Rule, error)
	List(ctx context.Context) ([]*database.Rule, error)
	History(ctx context.Context, ruleID string) ([]*database.RuleHistory, error)
}

// Pinger reports database liveness for the health endpoint
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HTTPHandler handles HTTP requests for the scoring engine
type HTTPHandler struct {
	config  config.Config
	logger  *slog.Logger
	gate    Submitter
	txStore TransactionStore
	rules   RuleStore
	queue   *queue.Queue
	db      Pinger
	metrics *metrics.Collector
	cache   *gocache.Cache
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg config.Config,
	logger *slog.Logger,
	gate Submitter,
	txStore TransactionStore,
	ruleStore RuleStore,
	q *queue.Queue,
	db Pinger,
	collector *metrics.Collector,
) *HTTPHandler {
	var statsCache *gocache.Cache
	if cfg.Admin.StatsCacheTTL > 0 {
		statsCache = gocache.New(cfg.Admin.StatsCacheTTL, 2*cfg.Admin.StatsCacheTTL)
	}

	return &HTTPHandler{
		config:  cfg,
		logger:  logger,
		gate:    gate,
		txStore: txStore,
		rules:   ruleStore,
		queue:   q,
		db:      db,
		metrics: collector,
		cache:   statsCache,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.metricsMiddleware)

	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/transactions", h.handleCreateTransaction).Methods("POST")

	// Rule endpoints
	ruleRouter := router.PathPrefix("/rules").Subrouter()
	ruleRouter.HandleFunc("", h.handleListRules).Methods("GET")
	ruleRouter.HandleFunc("/add", h.handleAddRule).Methods("POST")
	ruleRouter.HandleFunc("/edit/{id}", h.handleEditRule).Methods("POST")
	ruleRouter.HandleFunc("/delete/{id}", h.handleDeleteRule).Methods("POST")
	ruleRouter.HandleFunc("/{id}/history", h.handleRuleHistory).Methods("GET")

	// Admin endpoints
	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.HandleFunc("", h.handleAdminOverview).Methods("GET")
	adminRouter.HandleFunc("/transactions", h.handleAdminTransactions).Methods("GET")
	adminRouter.HandleFunc("/transaction/{id}", h.handleAdminTransaction).Methods("GET")
	adminRouter.HandleFunc("/stats", h.handleAdminStats).Methods("GET")
	adminRouter.HandleFunc("/export", h.handleAdminExport).Methods("GET")
}

// metricsMiddleware records request durations and counts per route template
func (h *HTTPHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Transaction submission

func (h *HTTPHandler) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	sub, err := decodeSubmission(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status":  "error",
			"message": "Invalid data",
		})
		return
	}

	tx, err := h.gate.Submit(r.Context(), sub)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "queued",
			"correlation_id": tx.CorrelationID,
		})
	case errors.Is(err, ingest.ErrInvalid):
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status":  "error",
			"message": "Invalid data",
		})
	case errors.Is(err, ingest.ErrDuplicateInStore):
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":         "duplicate",
			"reason":         "duplicate_in_store",
			"correlation_id": tx.CorrelationID,
		})
	case errors.Is(err, ingest.ErrDuplicateInQueue):
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":         "duplicate",
			"reason":         "duplicate_in_queue",
			"correlation_id": tx.CorrelationID,
		})
	default:
		h.logger.Error("Failed to submit transaction", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to submit transaction")
	}
}

// decodeSubmission accepts both JSON and HTML-form submissions
func decodeSubmission(r *http.Request) (ingest.Submission, error) {
	if isFormRequest(r) {
		amount, err := strconv.ParseFloat(r.PostFormValue("amount"), 64)
		if err != nil {
			return ingest.Submission{}, fmt.Errorf("invalid amount: %w", err)
		}
		return ingest.Submission{
			CorrelationID:   r.PostFormValue("correlation_id"),
			SenderAccount:   r.PostFormValue("sender_account"),
			ReceiverAccount: r.PostFormValue("receiver_account"),
			Amount:          amount,
			TransactionType: r.PostFormValue("transaction_type"),
		}, nil
	}

	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		return ingest.Submission{}, fmt.Errorf("failed to decode body: %w", err)
	}
	return sub, nil
}

func isFormRequest(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(contentType, "multipart/form-data")
}

// Rule handlers

type ruleRequest struct {
	Name     string          `json:"name"`
	RuleType string          `json:"rule_type"`
	Value    float64         `json:"value"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// decodeRuleRequest accepts both JSON and HTML-form rule payloads. In the
// form encoding params arrives as a raw JSON string.
func decodeRuleRequest(r *http.Request) (ruleRequest, error) {
	if isFormRequest(r) {
		req := ruleRequest{
			Name:     r.PostFormValue("name"),
			RuleType: r.PostFormValue("rule_type"),
		}
		if raw := r.PostFormValue("value"); raw != "" {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return ruleRequest{}, fmt.Errorf("invalid value: %w", err)
			}
			req.Value = value
		}
		if params := r.PostFormValue("params"); params != "" {
			req.Params = json.RawMessage(params)
		}
		return req, nil
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ruleRequest{}, fmt.Errorf("failed to decode body: %w", err)
	}
	return req, nil
}

// changedBy attributes rule mutations in the audit trail. The admin surface
// is unauthenticated so the caller may identify itself via header.
func changedBy(r *http.Request) string {
	if v := r.Header.Get("X-Changed-By"); v != "" {
		return v
	}
	return "admin"
}

func (h *HTTPHandler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRuleRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.RuleType == "" {
		h.writeError(w, http.StatusBadRequest, "rule_type is required")
		return
	}

	var rule *database.Rule
	if len(req.Params) > 0 {
		rule, err = h.rules.CreateWithParams(r.Context(), req.Name, req.RuleType, string(req.Params), changedBy(r))
	} else {
		rule, err = h.rules.Create(r.Context(), req.Name, req.RuleType, req.Value, changedBy(r))
	}
	if err != nil {
		h.logger.Error("Failed to create rule", "name", req.Name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"rule_id": rule.ID,
	})
}

func (h *HTTPHandler) handleEditRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	req, err := decodeRuleRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.rules.Update(r.Context(), id, req.Name, req.RuleType, req.Value, changedBy(r)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.Error("Failed to update rule", "rule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *HTTPHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.rules.Delete(r.Context(), id, changedBy(r)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.Error("Failed to delete rule", "rule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *HTTPHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list rules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

func (h *HTTPHandler) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.rules.Get(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.Error("Failed to load rule", "rule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	history, err := h.rules.History(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load rule history", "rule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load rule history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id": id,
		"history": history,
		"count":   len(history),
	})
}

// Admin handlers

func (h *HTTPHandler) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := h.txStore.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to load transaction stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load overview")
		return
	}

	recent, err := h.txStore.List(r.Context(), database.TransactionFilter{
		Page:    1,
		PerPage: h.config.Admin.RecentLimit,
	})
	if err != nil {
		h.logger.Error("Failed to list recent transactions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load overview")
		return
	}

	rules, err := h.rules.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list rules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load overview")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"transactions": recent,
		"rules":        rules,
		"queue_depth":  h.queue.Len(),
		"timestamp":    time.Now().UTC(),
	})
}

func (h *HTTPHandler) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	filter := database.TransactionFilter{
		Status:  r.URL.Query().Get("status"),
		Page:    1,
		PerPage: h.config.Admin.DefaultPerPage,
	}

	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			h.writeError(w, http.StatusBadRequest, "Invalid page")
			return
		}
		filter.Page = page
	}
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil || perPage < 1 {
			h.writeError(w, http.StatusBadRequest, "Invalid per_page")
			return
		}
		if perPage > h.config.Admin.MaxPerPage {
			perPage = h.config.Admin.MaxPerPage
		}
		filter.PerPage = perPage
	}

	transactions, err := h.txStore.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list transactions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	total, err := h.txStore.Count(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to count transactions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"total":        total,
		"page":         filter.Page,
		"per_page":     filter.PerPage,
	})
}

func (h *HTTPHandler) handleAdminTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := h.txStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error("Failed to load transaction", "correlation_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

func (h *HTTPHandler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		if cached, ok := h.cache.Get(statsCacheKey); ok {
			h.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	stats, err := h.txStore.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to load transaction stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	topSenders, err := h.txStore.TopSenders(r.Context(), h.config.Admin.TopSendersLimit)
	if err != nil {
		h.logger.Error("Failed to load top senders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	alertRate := 0.0
	if stats.Total > 0 {
		alertRate = float64(stats.Alerted) / float64(stats.Total)
	}

	payload := map[string]interface{}{
		"total":        stats.Total,
		"queued":       stats.Queued,
		"processed":    stats.Processed,
		"alerted":      stats.Alerted,
		"alert_rate":   alertRate,
		"top_senders":  topSenders,
		"queue_depth":  h.queue.Len(),
		"generated_at": time.Now().UTC(),
	}

	if h.cache != nil {
		h.cache.Set(statsCacheKey, payload, gocache.DefaultExpiration)
	}

	h.writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPHandler) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.txStore.ExportAll(r.Context())
	if err != nil {
		h.logger.Error("Failed to export transactions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to export transactions")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)

	cw := csv.NewWriter(w)
	header := []string{"correlation_id", "sender", "receiver", "amount", "type", "status", "alerts", "timestamp"}
	if err := cw.Write(header); err != nil {
		h.logger.Error("Failed to write CSV header", "error", err)
		return
	}

	for _, tx := range transactions {
		record := []string{
			tx.CorrelationID,
			tx.SenderAccount,
			tx.ReceiverAccount,
			strconv.FormatFloat(tx.Amount, 'f', -1, 64),
			tx.TransactionType,
			tx.Status,
			tx.Alerts,
			tx.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			h.logger.Error("Failed to write CSV row", "correlation_id", tx.CorrelationID, "error", err)
			return
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("Failed to flush CSV export", "error", err)
	}
}

// Health

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   h.config.Version,
		"service":   "scoring-engine",
	}

	if err := h.db.PingContext(r.Context()); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		h.writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	h.writeJSON(w, http.StatusOK, health)
}

// Response helpers

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
