package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/siretech/backoffice-payments/internal/logging"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type subscriberCounter interface {
	Len() int
}

type HealthHandler struct {
	db       pinger
	registry subscriberCounter
	version  string
}

func NewHealthHandler(db pinger, registry subscriberCounter, version string) *HealthHandler {
	return &HealthHandler{db: db, registry: registry, version: version}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "ok"
	httpStatus := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		logging.FromContext(r.Context()).Warn("readiness check failed: database unreachable", "error", err)
		status, dbStatus = "down", "down"
		httpStatus = http.StatusServiceUnavailable
	}

	RespondJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]string{
			"database": dbStatus,
		},
		"waiting_subscribers": h.registry.Len(),
	})
}
