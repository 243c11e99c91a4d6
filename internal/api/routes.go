package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
	"stock-sync-service/internal/marketplace"
	"stock-sync-service/internal/settings"
	"stock-sync-service/internal/store"
	"stock-sync-service/internal/sync"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxBulkCheck         = 200
)

type Engine interface {
	RunOnce(ctx context.Context) (*sync.RunReport, error)
	Snapshot() (sync.State, bool, *sync.RunReport)
}

type Scheduler interface {
	Start()
	Stop() context.Context
	SetInterval(ctx context.Context, minutes int) error
	Status() sync.Status
}

type StockChecker interface {
	ProbeMany(ctx context.Context, ids []string) map[string]marketplace.StockProbeResult
	CheckStockForPurchase(ctx context.Context, sourceID, variantLabel string) marketplace.PurchaseCheck
}

type AutoSyncStore interface {
	SetAutoSync(ctx context.Context, enabled bool) error
}

type Deps struct {
	Engine    Engine
	Scheduler Scheduler
	Stock     StockChecker
	Activity  store.ActivityLog
	AutoSync  AutoSyncStore
	Hub       *Hub
	Metrics   http.Handler
}

type Handler struct {
	deps      Deps
	authToken string
}

func NewHandler(deps Deps, authToken string) *Handler {
	return &Handler{
		deps:      deps,
		authToken: authToken,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics)
	}
	if h.deps.Hub != nil {
		r.With(h.AuthMiddleware).Get("/ws", h.deps.Hub.ServeWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/start", h.StartScheduler)
		r.Post("/sync/stop", h.StopScheduler)
		r.Put("/sync/interval", h.SetInterval)

		r.Post("/stock/check", h.CheckStock)
		r.Get("/stock/{sourceID}/purchase-check", h.PurchaseCheck)

		r.Get("/activity", h.RecentActivity)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerSync runs reconciliation and responds with its report. The run is
// detached from the request so a disconnecting client does not abort it halfway.
// With ?async=true it answers 202 at once; the report then shows up as last_run
// in the sync status.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	if raw := r.URL.Query().Get("async"); raw != "" {
		async, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("async must be a boolean"))
			return
		}
		if async {
			h.triggerAsync(ctx, w)
			return
		}
	}

	report, err := h.deps.Engine.RunOnce(ctx)
	switch {
	case errors.Is(err, sync.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) triggerAsync(ctx context.Context, w http.ResponseWriter) {
	if _, inProgress, _ := h.deps.Engine.Snapshot(); inProgress {
		writeError(w, http.StatusConflict, sync.ErrRunInProgress)
		return
	}
	go func() {
		if _, err := h.deps.Engine.RunOnce(ctx); err != nil {
			logger.Log.Warn("Triggered reconciliation did not complete", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	h.deps.Scheduler.Start()
	h.persistAutoSync(r.Context(), true)
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

// StopScheduler stops the timer and returns at once; a run in flight keeps going.
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.deps.Scheduler.Stop()
	h.persistAutoSync(r.Context(), false)
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

type intervalRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handler) SetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if err := h.deps.Scheduler.SetInterval(r.Context(), req.Minutes); err != nil {
		if errors.Is(err, settings.ErrInvalidInterval) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

type stockCheckRequest struct {
	SourceIDs []string `json:"source_ids"`
}

type stockCheckResult struct {
	marketplace.StockProbeResult
	Error string `json:"error,omitempty"`
}

func (h *Handler) CheckStock(w http.ResponseWriter, r *http.Request) {
	var req stockCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	ids := make([]string, 0, len(req.SourceIDs))
	seen := make(map[string]bool, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("source_ids is required"))
		return
	}
	if len(ids) > maxBulkCheck {
		writeError(w, http.StatusBadRequest, errors.New("too many source_ids"))
		return
	}

	probed := h.deps.Stock.ProbeMany(r.Context(), ids)
	out := make([]stockCheckResult, 0, len(ids))
	for _, id := range ids {
		res := stockCheckResult{StockProbeResult: probed[id]}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handler) PurchaseCheck(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	check := h.deps.Stock.CheckStockForPurchase(r.Context(), sourceID, r.URL.Query().Get("variant"))
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := h.deps.Activity.RecentActivity(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (h *Handler) persistAutoSync(ctx context.Context, enabled bool) {
	if h.deps.AutoSync == nil {
		return
	}
	if err := h.deps.AutoSync.SetAutoSync(ctx, enabled); err != nil {
		logger.Log.Warn("Failed to persist auto sync flag", zap.Bool("enabled", enabled), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CorsMiddleware allows browser dashboards on other origins. Preflight requests
// are answered here and never reach auth.
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		hdr.Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware requires "Authorization: Bearer <token>" when a token is configured.
// Websocket clients may pass the token as ?token= instead.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one zap line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Log.Info("HTTP request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
