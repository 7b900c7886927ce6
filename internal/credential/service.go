// Package credential はユーザーごとのポータル認証情報の管理を提供する。
// シークレットは封印してから保存し、平文は保持しない。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
)

const (
	maxUsernameLength = 128
	maxSecretLength   = 1024
)

// PortalFinder はポータルの存在確認インターフェース。
type PortalFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Portal, error)
}

// Input は認証情報の作成・更新時の入力値。
// 更新時にPasswordが空の場合は既存のシークレットを維持する。
type Input struct {
	PortalID int64
	Username string
	Password security.Secret
}

// Service は認証情報のサービス層。操作は所有者本人に限られる。
type Service struct {
	repo    repository.CredentialRepository
	portals PortalFinder
	sealer  security.SecretSealer
}

// NewService はServiceを生成する。
func NewService(repo repository.CredentialRepository, portals PortalFinder, sealer security.SecretSealer) *Service {
	return &Service{repo: repo, portals: portals, sealer: sealer}
}

// List は呼び出し元の認証情報一覧を返す。
func (s *Service) List(ctx context.Context, p model.Principal) ([]model.CredentialSummary, error) {
	list, err := s.repo.ListByUserID(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("認証情報一覧の取得に失敗しました: %w", err)
	}
	return list, nil
}

// Get は所有者に認証情報を返す。
func (s *Service) Get(ctx context.Context, p model.Principal, id int64) (*model.Credential, error) {
	return s.owned(ctx, p, id)
}

// Create は認証情報を登録する。同一ポータルへの重複登録はDUPLICATE_CREDENTIALを返す。
func (s *Service) Create(ctx context.Context, p model.Principal, in Input) (*model.Credential, error) {
	username, err := validate(in, true)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePortal(ctx, in.PortalID); err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(in.Password)
	if err != nil {
		return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
	}

	cred := &model.Credential{
		UserID:           p.UserID,
		PortalID:         in.PortalID,
		Username:         username,
		SecretCiphertext: sealed,
	}
	if err := s.repo.Create(ctx, cred); err != nil {
		return nil, err
	}

	slog.Info("認証情報を登録しました",
		slog.Int64("credential_id", cred.ID),
		slog.Int64("user_id", p.UserID),
		slog.Int64("portal_id", cred.PortalID),
	)
	return cred, nil
}

// Update は認証情報のユーザー名とシークレットを更新する。ポータルは変更できない。
func (s *Service) Update(ctx context.Context, p model.Principal, id int64, in Input) (*model.Credential, error) {
	cred, err := s.owned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	username, err := validate(in, false)
	if err != nil {
		return nil, err
	}

	cred.Username = username
	if !in.Password.IsZero() {
		sealed, err := s.sealer.Seal(in.Password)
		if err != nil {
			return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
		}
		cred.SecretCiphertext = sealed
	}
	if err := s.repo.Update(ctx, cred); err != nil {
		return nil, err
	}

	slog.Info("認証情報を更新しました",
		slog.Int64("credential_id", cred.ID),
		slog.Int64("user_id", p.UserID),
		slog.Bool("secret_rotated", !in.Password.IsZero()),
	)
	return cred, nil
}

// Delete は認証情報を削除する。
// 参照しているダウンロードのcredential_idはNULLになり、未実行のものは実行時に失敗する。
func (s *Service) Delete(ctx context.Context, p model.Principal, id int64) error {
	if _, err := s.owned(ctx, p, id); err != nil {
		return err
	}
	if err := s.repo.DeleteByID(ctx, id); err != nil {
		return err
	}

	slog.Info("認証情報を削除しました",
		slog.Int64("credential_id", id),
		slog.Int64("user_id", p.UserID),
	)
	return nil
}

func (s *Service) owned(ctx context.Context, p model.Principal, id int64) (*model.Credential, error) {
	cred, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}
	if cred == nil {
		return nil, model.NewNotFoundError("認証情報", id)
	}
	if cred.UserID != p.UserID {
		return nil, model.NewForbiddenError()
	}
	return cred, nil
}

func (s *Service) ensurePortal(ctx context.Context, portalID int64) error {
	portal, err := s.portals.FindByID(ctx, portalID)
	if err != nil {
		return fmt.Errorf("ポータルの取得に失敗しました: %w", err)
	}
	if portal == nil {
		return model.NewNotFoundError("ポータル", portalID)
	}
	return nil
}

func validate(in Input, creating bool) (string, error) {
	username := strings.TrimSpace(in.Username)
	if creating && in.PortalID <= 0 {
		return "", model.NewValidationError("portal_idは必須です")
	}
	if username == "" {
		return "", model.NewValidationError("ユーザー名は必須です")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return "", model.NewValidationError(fmt.Sprintf("ユーザー名は%d文字以内で指定してください", maxUsernameLength))
	}
	if creating && in.Password.IsZero() {
		return "", model.NewValidationError("パスワードは必須です")
	}
	if len(in.Password.Reveal()) > maxSecretLength {
		return "", model.NewValidationError("パスワードが長すぎます")
	}
	return username, nil
}
