// Package portal はポータル管理のドメインロジックを提供する。
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 2000
)

// URLValidator はポータルURLの安全性を検証するインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// DescriptionSanitizer はポータル説明のHTMLを無害化するインターフェース。
type DescriptionSanitizer interface {
	SanitizeDescription(rawHTML string) string
}

// Input はポータル作成・更新時の入力値。
type Input struct {
	Name        string
	URL         string
	Description string
}

// Service はポータル管理のサービス層。
// 参照は全ユーザー、変更は管理者のみ許可する。
type Service struct {
	repo      repository.PortalRepository
	validator URLValidator
	sanitizer DescriptionSanitizer
}

// NewService はServiceを生成する。
func NewService(repo repository.PortalRepository, validator URLValidator, sanitizer DescriptionSanitizer) *Service {
	return &Service{repo: repo, validator: validator, sanitizer: sanitizer}
}

// List は全ポータルを名前順に返す。
func (s *Service) List(ctx context.Context) ([]*model.Portal, error) {
	portals, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ポータル一覧の取得に失敗しました: %w", err)
	}
	return portals, nil
}

// Get は指定IDのポータルを返す。
func (s *Service) Get(ctx context.Context, id int64) (*model.Portal, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ポータルの取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewNotFoundError("ポータル", id)
	}
	return p, nil
}

// Create はポータルを登録する。
func (s *Service) Create(ctx context.Context, actor model.Principal, in Input) (*model.Portal, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	p, err := s.normalize(in)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("ポータルを登録しました",
		slog.Int64("portal_id", p.ID),
		slog.String("name", p.Name),
		slog.Int64("actor_id", actor.UserID),
	)
	return p, nil
}

// Update はポータルの名前・URL・説明を更新する。
func (s *Service) Update(ctx context.Context, actor model.Principal, id int64, in Input) (*model.Portal, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.normalize(in)
	if err != nil {
		return nil, err
	}
	p.ID = current.ID
	p.CreatedAt = current.CreatedAt
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("ポータルを更新しました",
		slog.Int64("portal_id", p.ID),
		slog.Int64("actor_id", actor.UserID),
	)
	return p, nil
}

// Delete はポータルを削除する。
// 認証情報またはダウンロードから参照されている場合はPORTAL_IN_USEを返す。
func (s *Service) Delete(ctx context.Context, actor model.Principal, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.repo.DeleteIfUnused(ctx, id); err != nil {
		return err
	}

	slog.Info("ポータルを削除しました",
		slog.Int64("portal_id", id),
		slog.Int64("actor_id", actor.UserID),
	)
	return nil
}

// Usage はポータルの参照件数を返す。削除確認画面で使用する。
func (s *Service) Usage(ctx context.Context, actor model.Principal, id int64) (model.PortalUsage, error) {
	if err := requireAdmin(actor); err != nil {
		return model.PortalUsage{}, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return model.PortalUsage{}, err
	}
	return s.repo.Usage(ctx, id)
}

func (s *Service) normalize(in Input) (*model.Portal, error) {
	name := strings.TrimSpace(in.Name)
	rawURL := strings.TrimSpace(in.URL)
	if name == "" || rawURL == "" {
		return nil, model.NewValidationError("ポータル名とURLは必須です")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, model.NewValidationError(fmt.Sprintf("ポータル名は%d文字以内で指定してください", maxNameLength))
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		return nil, model.NewValidationError(fmt.Sprintf("説明は%d文字以内で指定してください", maxDescriptionLength))
	}

	if err := s.validator.ValidateURL(rawURL); err != nil {
		if errors.Is(err, security.ErrBlockedDestination) {
			slog.Warn("ブロック対象のポータルURLが指定されました", slog.String("url", rawURL))
			return nil, model.NewSSRFBlockedError()
		}
		return nil, model.NewInvalidURLError(rawURL)
	}

	return &model.Portal{
		Name:        name,
		URL:         strings.TrimRight(rawURL, "/"),
		Description: s.sanitizer.SanitizeDescription(in.Description),
	}, nil
}

func requireAdmin(actor model.Principal) error {
	if !actor.IsAdmin {
		return model.NewForbiddenError()
	}
	return nil
}
