package handler

import (
	"encoding/json"
	"net/http"

	"github.com/jwadow/kiro-gateway/internal/pool"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	pool    *pool.Pool
	catalog *Catalog
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string              `json:"status"`
	Accounts AccountsStatus      `json:"accounts"`
	Models   int                 `json:"models"`
	Pool     []pool.AccountStats `json:"pool,omitempty"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(accountPool *pool.Pool, catalog *Catalog) *HealthHandler {
	return &HealthHandler{pool: accountPool, catalog: catalog}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	total, healthy := h.pool.Size()

	response := HealthResponse{
		Status:   "healthy",
		Accounts: AccountsStatus{Total: total, Healthy: healthy},
		Models:   len(h.catalog.Cache().List()),
	}
	if r.URL.Query().Get("verbose") == "true" {
		response.Pool = h.pool.Stats()
	}

	if healthy == 0 && total > 0 {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}
