// Package user は管理者によるユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/navportal/internal/auth"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/repository"
)

// purgeListLimit はユーザー削除時に成果物を回収するダウンロードの上限件数。
const purgeListLimit = 10000

// AccountCreator はアカウント作成のインターフェース。
// 入力検証とパスワードのハッシュ化は認証サービスに委譲する。
type AccountCreator interface {
	CreateAccount(ctx context.Context, in auth.AccountInput, isAdmin bool) (*model.User, error)
}

// DownloadLister はユーザーのダウンロード一覧を取得するインターフェース。
type DownloadLister interface {
	ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DownloadSummary, error)
}

// ArtifactRemover は成果物の削除インターフェース。
type ArtifactRemover interface {
	Remove(ctx context.Context, ref string) error
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	accounts    AccountCreator
	downloads   DownloadLister
	artifacts   ArtifactRemover
}

// NewService はServiceの新しいインスタンスを生成する。
// downloadsとartifactsがnilの場合、削除時の成果物回収は行わない。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	accounts AccountCreator,
	downloads DownloadLister,
	artifacts ArtifactRemover,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		accounts:    accounts,
		downloads:   downloads,
		artifacts:   artifacts,
	}
}

func requireAdmin(actor model.Principal) error {
	if !actor.IsAdmin {
		return model.NewForbiddenError()
	}
	return nil
}

// List は全ユーザーを返す。
func (s *Service) List(ctx context.Context, actor model.Principal) ([]*model.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}

// Create は管理者画面からユーザーを作成する。
func (s *Service) Create(ctx context.Context, actor model.Principal, in auth.AccountInput, isAdmin bool) (*model.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	user, err := s.accounts.CreateAccount(ctx, in, isAdmin)
	if err != nil {
		return nil, err
	}

	slog.Info("管理者がユーザーを作成しました",
		slog.Int64("actor_id", actor.UserID),
		slog.Int64("user_id", user.ID),
	)
	return user, nil
}

// ToggleAdmin は対象ユーザーの管理者権限を反転し、更新後のユーザーを返す。
// 自分自身の変更と、最後の管理者の降格は拒否する。
func (s *Service) ToggleAdmin(ctx context.Context, actor model.Principal, id int64) (*model.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if actor.UserID == id {
		return nil, model.NewSelfModificationError()
	}

	target, err := s.findUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.IsAdmin {
		if err := s.ensureNotLastAdmin(ctx); err != nil {
			return nil, err
		}
	}

	// 最終的な判定はリポジトリの条件付きUPDATEで行われる
	if err := s.userRepo.SetAdmin(ctx, id, !target.IsAdmin); err != nil {
		return nil, err
	}
	target.IsAdmin = !target.IsAdmin

	slog.Info("管理者権限を変更しました",
		slog.Int64("actor_id", actor.UserID),
		slog.Int64("user_id", id),
		slog.Bool("is_admin", target.IsAdmin),
	)
	return target, nil
}

// Delete はユーザーを削除する。
// 削除順序: sessions → user（+ CASCADE: credentials, downloads）→ 成果物
func (s *Service) Delete(ctx context.Context, actor model.Principal, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.UserID == id {
		return model.NewSelfModificationError()
	}

	target, err := s.findUser(ctx, id)
	if err != nil {
		return err
	}
	if target.IsAdmin {
		if err := s.ensureNotLastAdmin(ctx); err != nil {
			return err
		}
	}

	refs := s.artifactRefs(ctx, id)

	if err := s.sessionRepo.DeleteByUserID(ctx, id); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	if err := s.userRepo.DeleteByID(ctx, id); err != nil {
		return err
	}

	for _, ref := range refs {
		if err := s.artifacts.Remove(ctx, ref); err != nil {
			slog.Warn("成果物の削除に失敗しました",
				slog.Int64("user_id", id),
				slog.String("ref", ref),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("ユーザーを削除しました",
		slog.Int64("actor_id", actor.UserID),
		slog.Int64("user_id", id),
		slog.Int("artifacts", len(refs)),
	)
	return nil
}

func (s *Service) findUser(ctx context.Context, id int64) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func (s *Service) ensureNotLastAdmin(ctx context.Context) error {
	n, err := s.userRepo.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("管理者数の取得に失敗しました: %w", err)
	}
	if n <= 1 {
		return model.NewLastAdminError()
	}
	return nil
}

// artifactRefs は削除対象ユーザーの成果物参照を集める。
// 取得に失敗してもユーザー削除は続行する。
func (s *Service) artifactRefs(ctx context.Context, userID int64) []string {
	if s.downloads == nil || s.artifacts == nil {
		return nil
	}
	list, err := s.downloads.ListByUserID(ctx, userID, purgeListLimit)
	if err != nil {
		slog.Warn("成果物一覧の取得に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	var refs []string
	for _, d := range list {
		if d.FilePath != nil && *d.FilePath != "" {
			refs = append(refs, *d.FilePath)
		}
	}
	return refs
}
