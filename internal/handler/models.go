package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jwadow/kiro-gateway/internal/openai"
)

// ModelsHandler handles GET /v1/models requests from the capability
// cache, refreshing it synchronously only when it has never been filled.
type ModelsHandler struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewModelsHandler creates a new model listing handler.
func NewModelsHandler(catalog *Catalog, logger *slog.Logger) *ModelsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelsHandler{catalog: catalog, logger: logger}
}

// ServeHTTP handles the model listing request.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.catalog.Cache().IsEmpty() {
		if err := h.catalog.Refresh(r.Context()); err != nil {
			h.logger.Error("model list fetch failed", "error", err)
			mapUpstreamError(err).WriteError(w)
			return
		}
	} else {
		h.catalog.RefreshIfStale()
	}

	models := h.catalog.Cache().List()
	created := h.catalog.Cache().UpdatedAt().Unix()
	if created <= 0 {
		created = time.Now().Unix()
	}

	list := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, openai.Model{
			ID:      m.ModelID,
			Object:  "model",
			Created: created,
			OwnedBy: "kiro",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
