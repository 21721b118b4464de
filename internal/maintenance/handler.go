package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"garden-api/internal/auth"
	"garden-api/internal/observability"
)

// Cleaner removes expired refresh tokens and aged auth log entries.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, refreshRetention, logRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

type Policy struct {
	RefreshRetention time.Duration
	LogRetention     time.Duration
	BatchSize        int
}

type Job struct {
	cleaner Cleaner
	logger  *observability.Logger
	policy  Policy
}

func NewJob(cleaner Cleaner, logger *observability.Logger, policy Policy) *Job {
	return &Job{cleaner: cleaner, logger: logger, policy: policy}
}

func (j *Job) Run(ctx context.Context, trigger string) (auth.CleanupResult, error) {
	result, err := j.cleaner.CleanupStaleAuthData(ctx, j.policy.RefreshRetention, j.policy.LogRetention, j.policy.BatchSize)
	if err != nil {
		j.logger.Error("auth_cleanup_failed", map[string]any{"trigger": trigger, "error": err.Error()})
		return auth.CleanupResult{}, err
	}

	j.logger.Info("auth_cleanup_completed", map[string]any{
		"trigger":                trigger,
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"deleted_auth_logs":      result.DeletedAuthLogs,
	})
	return result, nil
}

type CleanupHandler struct {
	job        *Job
	cronSecret string
}

func NewCleanupHandler(job *Job, cronSecret string) *CleanupHandler {
	return &CleanupHandler{job: job, cronSecret: strings.TrimSpace(cronSecret)}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.job.Run(r.Context(), "http")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
