package tools

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	toolService "github.com/bloomware/voicechat/backend/internal/service/tools"
	"github.com/bloomware/voicechat/backend/pkg/utils"
)

// Catalog 可列出的工具集合
type Catalog interface {
	Descriptors() []toolService.Info
}

// Handler 工具目录的HTTP处理器
type Handler struct {
	catalog Catalog
}

func New(catalog Catalog) *Handler {
	return &Handler{catalog: catalog}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/tools", h.handleListTools)
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"tools": h.catalog.Descriptors()})
}
