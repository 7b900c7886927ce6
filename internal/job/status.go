package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/hitoshi/navportal/internal/artifact"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/progress"
)

const (
	// DefaultListLimit は履歴一覧の既定件数。
	DefaultListLimit = 100
	// MaxListLimit は履歴一覧の最大件数。
	MaxListLimit = 1000
)

// StatusView はダウンロード状態の照会結果。
type StatusView struct {
	ID                  int64
	Status              model.DownloadStatus
	Progress            int
	StartedAt           time.Time
	UpdatedAt           time.Time
	FileName            *string
	ErrorMessage        *string
	EstimatedCompletion *string
	DownloadType        model.DownloadType
	FacilityUsername    string
}

// GetStatus は所有者のみにダウンロードの状態を返す。
func (e *Engine) GetStatus(ctx context.Context, p model.Principal, id int64) (*StatusView, error) {
	d, err := e.owned(ctx, p, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ID:               d.ID,
		Status:           d.Status,
		Progress:         d.Progress,
		StartedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ErrorMessage:     d.ErrorMessage,
		DownloadType:     d.DownloadType,
		FacilityUsername: d.FacilityUsername,
		EstimatedCompletion: progress.Completion(
			d.Status == model.StatusInProgress, d.CreatedAt, e.now(), d.Progress,
		),
	}
	if d.FilePath != nil {
		name := path.Base(*d.FilePath)
		view.FileName = &name
	}
	return view, nil
}

// List は呼び出し元のダウンロード履歴を新しい順に返す。
func (e *Engine) List(ctx context.Context, p model.Principal, limit int) ([]model.DownloadSummary, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	list, err := e.downloads.ListByUserID(ctx, p.UserID, limit)
	if err != nil {
		return nil, model.NewPersistenceError("ダウンロード履歴の取得", err)
	}
	return list, nil
}

// Delete は終端状態のダウンロードと成果物を削除する。
func (e *Engine) Delete(ctx context.Context, p model.Principal, id int64) error {
	d, err := e.owned(ctx, p, id)
	if err != nil {
		return err
	}
	if !d.Status.IsTerminal() {
		return model.NewDownloadActiveError()
	}

	deleted, err := e.downloads.DeleteTerminal(ctx, id)
	if err != nil {
		return model.NewPersistenceError("ダウンロードの削除", err)
	}
	if !deleted {
		return model.NewDownloadActiveError()
	}

	if d.FilePath != nil {
		if err := e.artifacts.Remove(ctx, *d.FilePath); err != nil {
			e.logger.Warn("成果物の削除に失敗しました",
				slog.Int64("download_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// OpenArtifact は完了したダウンロードの成果物とファイル名を返す。
func (e *Engine) OpenArtifact(ctx context.Context, p model.Principal, id int64) (io.ReadCloser, string, error) {
	d, err := e.owned(ctx, p, id)
	if err != nil {
		return nil, "", err
	}
	if d.Status != model.StatusCompleted || d.FilePath == nil {
		return nil, "", model.NewArtifactNotAvailableError()
	}

	rc, err := e.artifacts.Open(ctx, *d.FilePath)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, "", model.NewArtifactNotAvailableError()
	}
	if err != nil {
		return nil, "", model.NewPersistenceError("成果物の読み出し", err)
	}
	return rc, path.Base(*d.FilePath), nil
}

// owned はダウンロードを取得し、呼び出し元が所有者であることを確認する。
func (e *Engine) owned(ctx context.Context, p model.Principal, id int64) (*model.Download, error) {
	d, err := e.downloads.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewPersistenceError("ダウンロードの取得", err)
	}
	if d == nil {
		return nil, model.NewNotFoundError("ダウンロード", id)
	}
	if d.UserID != p.UserID {
		return nil, model.NewForbiddenError()
	}
	return d, nil
}
