package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/ingest"
	"github.com/opensource-finance/errmap/internal/mapper"
	"github.com/opensource-finance/errmap/internal/quality"
	"github.com/opensource-finance/errmap/internal/repository"
)

// maxBodyBytes bounds request bodies; PSP documentation can be large.
const maxBodyBytes = 16 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	svc     *mapper.Service
	engine  *quality.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, svc *mapper.Service, engine *quality.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		svc:     svc,
		engine:  engine,
		version: version,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready handles GET /ready by pinging every backing service.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	ping := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		ping("repository", h.repo.Ping)
	}
	if h.cache != nil {
		ping("cache", h.cache.Ping)
	}
	if h.bus != nil {
		ping("eventBus", h.bus.Ping)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// ValidateRequest is the body of POST /validate. The candidate is given as
// CSV text or as records; the internal table as CSV text or as a list.
type ValidateRequest struct {
	CandidateCSV string                 `json:"candidateCsv,omitempty"`
	Records      []domain.Record        `json:"records,omitempty"`
	InternalCSV  string                 `json:"internalCsv,omitempty"`
	Internal     []domain.InternalError `json:"internal,omitempty"`
}

// ValidateResponse wraps a validation result.
type ValidateResponse struct {
	Exportable bool           `json:"exportable"`
	Result     *domain.Result `json:"result"`
	Version    string         `json:"version"`
}

// Validate handles POST /validate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)

	var req ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	internal := req.Internal
	if len(internal) == 0 && strings.TrimSpace(req.InternalCSV) != "" {
		parsed, err := ingest.ParseInternalErrors(req.InternalCSV)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		internal = parsed
	}
	if len(internal) == 0 {
		writeError(w, http.StatusBadRequest, "internal or internalCsv is required")
		return
	}

	var res *domain.Result
	switch {
	case len(req.Records) > 0:
		res = h.svc.ValidateRecords(ctx, tenantID, req.Records, internal)
	case strings.TrimSpace(req.CandidateCSV) != "":
		var err error
		res, err = h.svc.Validate(ctx, tenantID, req.CandidateCSV, internal)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "candidateCsv or records is required")
		return
	}

	writeJSON(w, http.StatusOK, ValidateResponse{
		Exportable: res.Exportable(),
		Result:     res,
		Version:    h.version,
	})
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	mapper.RunRequest

	// Async queues the run for a worker and returns immediately.
	Async bool `json:"async,omitempty"`
}

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TenantID = TenantID(ctx)
	req.TraceID = TraceID(ctx)
	req.ID = ""

	if req.Async {
		runID, err := h.svc.Submit(ctx, req.RunRequest)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"runId":  runID,
			"status": "queued",
		})
		return
	}

	run, err := h.svc.Run(ctx, req.RunRequest)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// writeRunError maps run failures to HTTP statuses.
func writeRunError(w http.ResponseWriter, err error) {
	var statusErr *ingest.HTTPStatusError
	switch {
	case errors.Is(err, mapper.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRequestTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, domain.ErrRequestFailure), errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(ctx, TenantID(ctx), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.repo.GetRun(ctx, TenantID(ctx), runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("failed to get run", "id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ExportRun handles GET /runs/{id}/export. A blocked run answers 409 with
// its blocking findings unless override=true.
func (h *Handler) ExportRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")
	override, _ := strconv.ParseBool(r.URL.Query().Get("override"))

	data, run, err := h.svc.Export(ctx, TenantID(ctx), runID, override)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, domain.ErrExportBlocked):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"findings": run.Result.Quality.Errors,
			"hint":     "retry with override=true to export anyway",
		})
		return
	case err != nil:
		slog.Error("failed to export run", "id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export run")
		return
	}

	if override && !run.Result.Exportable() {
		slog.Warn("blocked run exported with override",
			"run_id", run.ID,
			"tenant_id", run.TenantID,
			"errors", len(run.Result.Quality.Errors),
		)
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="errmap-%s.csv"`, run.ID))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// CreateCheckRequest is the body of POST /checks.
type CreateCheckRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// ListChecks handles GET /checks.
func (h *Handler) ListChecks(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListCheckRules(r.Context(), domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list check rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list checks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checks": rules,
		"count":  len(rules),
		"loaded": h.engine.RulesCount(),
	})
}

// GetCheck handles GET /checks/{id}.
func (h *Handler) GetCheck(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetCheckRule(r.Context(), domain.GlobalTenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get check")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateCheck handles POST /checks. The rule is compiled before it is saved
// and applied immediately when enabled.
func (h *Handler) CreateCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}

	rule := &domain.CheckRule{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityError
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.SaveCheckRule(ctx, domain.GlobalTenantID, rule); err != nil {
		slog.Error("failed to save check rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save check")
		return
	}

	if rule.Enabled {
		if err := h.engine.LoadRule(rule); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		h.engine.RemoveRule(rule.ID)
	}

	slog.Info("check rule saved", "id", rule.ID, "severity", rule.Severity, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteCheck handles DELETE /checks/{id}.
func (h *Handler) DeleteCheck(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	err := h.repo.DeleteCheckRule(r.Context(), domain.GlobalTenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete check rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete check")
		return
	}
	h.engine.RemoveRule(ruleID)

	slog.Info("check rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": ruleID})
}

// ReloadChecks handles POST /checks/reload.
func (h *Handler) ReloadChecks(w http.ResponseWriter, r *http.Request) {
	n, err := LoadChecks(r.Context(), h.repo, h.engine)
	if err != nil {
		slog.Error("failed to reload check rules", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "checks reloaded",
		"loaded":  n,
	})
}

// LoadChecks replaces the engine's rules with the enabled global rules from
// the repository and returns how many are loaded.
func LoadChecks(ctx context.Context, repo domain.Repository, engine *quality.Engine) (int, error) {
	rules, err := repo.ListCheckRules(ctx, domain.GlobalTenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list check rules: %w", err)
	}
	if err := engine.ReloadRules(rules); err != nil {
		return 0, err
	}
	return engine.RulesCount(), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
