package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/navportal/internal/credential"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/security"
)

// CredentialServiceInterface は認証情報ハンドラーが必要とするサービスインターフェース。
type CredentialServiceInterface interface {
	List(ctx context.Context, p model.Principal) ([]model.CredentialSummary, error)
	Get(ctx context.Context, p model.Principal, id int64) (*model.Credential, error)
	Create(ctx context.Context, p model.Principal, in credential.Input) (*model.Credential, error)
	Update(ctx context.Context, p model.Principal, id int64, in credential.Input) (*model.Credential, error)
	Delete(ctx context.Context, p model.Principal, id int64) error
}

// CredentialHandler はポータル認証情報のHTTPハンドラー。
// レスポンスにパスワード（平文・暗号文とも）を含めることはない。
type CredentialHandler struct {
	service CredentialServiceInterface
}

// NewCredentialHandler はCredentialHandlerを生成する。
func NewCredentialHandler(service CredentialServiceInterface) *CredentialHandler {
	return &CredentialHandler{service: service}
}

type credentialRequest struct {
	PortalID int64  `json:"portal_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req credentialRequest) input() credential.Input {
	return credential.Input{
		PortalID: req.PortalID,
		Username: req.Username,
		Password: security.NewSecret(req.Password),
	}
}

type credentialResponse struct {
	ID         int64     `json:"id"`
	PortalID   int64     `json:"portal_id"`
	PortalName string    `json:"portal_name,omitempty"`
	PortalURL  string    `json:"portal_url,omitempty"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toCredentialResponse(c *model.Credential) credentialResponse {
	return credentialResponse{
		ID:        c.ID,
		PortalID:  c.PortalID,
		Username:  c.Username,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// List は呼び出し元の認証情報一覧を返す。
// GET /api/credentials
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	creds, err := h.service.List(r.Context(), p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]credentialResponse, len(creds))
	for i, c := range creds {
		resp[i] = credentialResponse{
			ID:         c.ID,
			PortalID:   c.PortalID,
			PortalName: c.PortalName,
			PortalURL:  c.PortalURL,
			Username:   c.Username,
			CreatedAt:  c.CreatedAt,
			UpdatedAt:  c.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は認証情報を返す。
// GET /api/credentials/{id}
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	c, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialResponse(c))
}

// Create は認証情報を登録する。
// POST /api/credentials
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	c, err := h.service.Create(r.Context(), p, req.input())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialResponse(c))
}

// Update は認証情報を更新する。passwordが空の場合は既存のパスワードを維持する。
// PUT /api/credentials/{id}
func (h *CredentialHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	c, err := h.service.Update(r.Context(), p, id, req.input())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialResponse(c))
}

// Delete は認証情報を削除する。
// DELETE /api/credentials/{id}
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), p, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
