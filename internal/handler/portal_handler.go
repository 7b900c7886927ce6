package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portal"
)

// PortalServiceInterface はポータルハンドラーが必要とするサービスインターフェース。
type PortalServiceInterface interface {
	List(ctx context.Context) ([]*model.Portal, error)
	Get(ctx context.Context, id int64) (*model.Portal, error)
	Create(ctx context.Context, actor model.Principal, in portal.Input) (*model.Portal, error)
	Update(ctx context.Context, actor model.Principal, id int64, in portal.Input) (*model.Portal, error)
	Delete(ctx context.Context, actor model.Principal, id int64) error
	Usage(ctx context.Context, actor model.Principal, id int64) (model.PortalUsage, error)
}

// PortalHandler はポータル管理のHTTPハンドラー。
type PortalHandler struct {
	service PortalServiceInterface
}

// NewPortalHandler はPortalHandlerを生成する。
func NewPortalHandler(service PortalServiceInterface) *PortalHandler {
	return &PortalHandler{service: service}
}

type portalRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type portalResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toPortalResponse(p *model.Portal) portalResponse {
	return portalResponse{
		ID:          p.ID,
		Name:        p.Name,
		URL:         p.URL,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// List はポータル一覧を返す。
// GET /api/portals
func (h *PortalHandler) List(w http.ResponseWriter, r *http.Request) {
	portals, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]portalResponse, len(portals))
	for i, p := range portals {
		resp[i] = toPortalResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はポータル詳細を返す。
// GET /api/portals/{id}
func (h *PortalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPortalResponse(p))
}

// Create はポータルを登録する。
// POST /api/portals
func (h *PortalHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	var req portalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	p, err := h.service.Create(r.Context(), actor, portal.Input(req))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPortalResponse(p))
}

// Update はポータルを更新する。
// PUT /api/portals/{id}
func (h *PortalHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var req portalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	p, err := h.service.Update(r.Context(), actor, id, portal.Input(req))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPortalResponse(p))
}

// Delete はポータルを削除する。参照が残っている場合は409を返す。
// DELETE /api/portals/{id}
func (h *PortalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Usage は削除確認用にポータルの参照件数を返す。
// GET /api/portals/{id}/usage
func (h *PortalHandler) Usage(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	u, err := h.service.Usage(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": u.Credentials,
		"downloads":   u.Downloads,
		"in_use":      u.InUse(),
	})
}
