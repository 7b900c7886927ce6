package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/navportal/internal/auth"
	"github.com/hitoshi/navportal/internal/model"
)

// UserServiceInterface は管理者向けユーザー管理ハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	List(ctx context.Context, actor model.Principal) ([]*model.User, error)
	Create(ctx context.Context, actor model.Principal, in auth.AccountInput, isAdmin bool) (*model.User, error)
	ToggleAdmin(ctx context.Context, actor model.Principal, id int64) (*model.User, error)
	// Delete はユーザーとそのセッション・認証情報・ダウンロード・成果物を削除する。
	Delete(ctx context.Context, actor model.Principal, id int64) error
}

// AdminUserHandler は管理者向けユーザー管理のHTTPハンドラー。
type AdminUserHandler struct {
	service UserServiceInterface
}

// NewAdminUserHandler はAdminUserHandlerを生成する。
func NewAdminUserHandler(service UserServiceInterface) *AdminUserHandler {
	return &AdminUserHandler{service: service}
}

type createUserRequest struct {
	registerRequest
	IsAdmin bool `json:"is_admin"`
}

// List は全ユーザーを返す。
// GET /api/admin/users
func (h *AdminUserHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	users, err := h.service.List(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := make([]userResponse, len(users))
	for i, u := range users {
		resp[i] = toUserResponse(u)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Create はユーザーを作成する。
// POST /api/admin/users
func (h *AdminUserHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	u, err := h.service.Create(r.Context(), actor, auth.AccountInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	}, req.IsAdmin)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// ToggleAdmin は管理者権限を切り替える。
// POST /api/admin/users/{id}/toggle-admin
func (h *AdminUserHandler) ToggleAdmin(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	u, err := h.service.ToggleAdmin(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// Delete はユーザーを削除する。
// DELETE /api/admin/users/{id}
func (h *AdminUserHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
