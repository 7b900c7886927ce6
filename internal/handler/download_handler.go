package handler

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/hitoshi/navportal/internal/job"
	"github.com/hitoshi/navportal/internal/model"
)

// DownloadHandler はダウンロードジョブのHTTPハンドラー。
type DownloadHandler struct {
	service job.Service
}

// NewDownloadHandler はDownloadHandlerを生成する。
func NewDownloadHandler(service job.Service) *DownloadHandler {
	return &DownloadHandler{service: service}
}

type submitRequest struct {
	CredentialID     int64  `json:"credential_id"`
	FacilityUsername string `json:"facility_username"`
	DownloadType     string `json:"download_type"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
}

type downloadResponse struct {
	ID               int64     `json:"id"`
	PortalID         int64     `json:"portal_id"`
	PortalName       string    `json:"portal_name"`
	CredentialID     *int64    `json:"credential_id"`
	FacilityUsername string    `json:"facility_username"`
	DownloadType     string    `json:"download_type"`
	StartDate        string    `json:"start_date"`
	EndDate          string    `json:"end_date"`
	Status           string    `json:"status"`
	Progress         int       `json:"progress"`
	FilePath         *string   `json:"file_path"`
	ErrorMessage     *string   `json:"error_message"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type statusResponse struct {
	Status              string    `json:"status"`
	Progress            int       `json:"progress"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	FilePath            *string   `json:"file_path"`
	ErrorMessage        *string   `json:"error_message"`
	EstimatedCompletion *string   `json:"estimated_completion"`
	DownloadType        string    `json:"download_type"`
	FacilityUsername    string    `json:"facility_username"`
}

// Submit はダウンロードを受け付けて即座に202を返す。実行は非同期。
// POST /api/downloads
func (h *DownloadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	id, err := h.service.Submit(r.Context(), p, job.SubmitRequest(req))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"message":     "ダウンロードを受け付けました",
		"download_id": id,
	})
}

// List は呼び出し元のダウンロード履歴を新しい順に返す。
// GET /api/downloads?limit=N
func (h *DownloadHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	limit := job.DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > job.MaxListLimit {
			handleServiceError(w, r, model.NewValidationError(
				fmt.Sprintf("limitは1から%dの整数で指定してください", job.MaxListLimit)))
			return
		}
		limit = n
	}

	downloads, err := h.service.List(r.Context(), p, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]downloadResponse, len(downloads))
	for i, d := range downloads {
		resp[i] = toDownloadResponse(d)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toDownloadResponse(d model.DownloadSummary) downloadResponse {
	resp := downloadResponse{
		ID:               d.ID,
		PortalID:         d.PortalID,
		PortalName:       d.PortalName,
		CredentialID:     d.CredentialID,
		FacilityUsername: d.FacilityUsername,
		DownloadType:     string(d.DownloadType),
		StartDate:        d.StartDate.Format(model.DateLayout),
		EndDate:          d.EndDate.Format(model.DateLayout),
		Status:           string(d.Status),
		Progress:         d.Progress,
		ErrorMessage:     d.ErrorMessage,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	// 保存先の内部パスは公開せずファイル名のみ返す
	if d.FilePath != nil {
		name := path.Base(*d.FilePath)
		resp.FilePath = &name
	}
	return resp
}

// Status はダウンロードの進捗を返す。
// GET /api/downloads/{id}/status
func (h *DownloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	v, err := h.service.GetStatus(r.Context(), p, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:              string(v.Status),
		Progress:            v.Progress,
		StartedAt:           v.StartedAt,
		UpdatedAt:           v.UpdatedAt,
		FilePath:            v.FileName,
		ErrorMessage:        v.ErrorMessage,
		EstimatedCompletion: v.EstimatedCompletion,
		DownloadType:        string(v.DownloadType),
		FacilityUsername:    v.FacilityUsername,
	})
}

// Artifact は完了したダウンロードの成果物を返す。
// GET /api/downloads/{id}/artifact
func (h *DownloadHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	body, name, err := h.service.OpenArtifact(r.Context(), p, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		// ヘッダー送信後なのでログのみ
		slog.Warn("failed to stream artifact",
			slog.Int64("download_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Delete は終端状態のダウンロードと成果物を削除する。
// DELETE /api/downloads/{id}
func (h *DownloadHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
