// Package auth はユーザー登録、パスワードログイン、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/repository"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 8
	// bcryptの上限
	maxPasswordLength = 72
)

// PasswordHasher はパスワードのハッシュ化と照合のインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// AccountInput はアカウント作成時の入力値。
type AccountInput struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	hasher      PasswordHasher
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	hasher PasswordHasher,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		hasher:      hasher,
		config:      config,
	}
}

// Register は一般ユーザーとしてアカウントを作成する。
// ユーザーが1人も存在しない場合は管理者として作成される。
func (s *Service) Register(ctx context.Context, in AccountInput) (*model.User, error) {
	return s.CreateAccount(ctx, in, false)
}

// CreateAccount は入力を検証してアカウントを作成する。
func (s *Service) CreateAccount(ctx context.Context, in AccountInput, isAdmin bool) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateAccount(in); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	slog.Info("user created",
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
		slog.Bool("is_admin", user.IsAdmin),
	)
	return user, nil
}

func validateAccount(in AccountInput) error {
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return model.NewValidationError("ユーザー名、メールアドレス、パスワードは必須です")
	}
	if n := utf8.RuneCountInString(in.Username); n < minUsernameLength || n > maxUsernameLength {
		return model.NewValidationError(fmt.Sprintf("ユーザー名は%d〜%d文字で指定してください", minUsernameLength, maxUsernameLength))
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	if len(in.Password) < minPasswordLength || len(in.Password) > maxPasswordLength {
		return model.NewValidationError(fmt.Sprintf("パスワードは%d〜%dバイトで指定してください", minPasswordLength, maxPasswordLength))
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return model.NewValidationError("パスワードが一致しません")
	}
	return nil
}

// Login はユーザー名とパスワードを照合してセッションを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返す。
func (s *Service) Login(ctx context.Context, username, password string) (*model.Session, *model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, nil, model.NewValidationError("ユーザー名とパスワードを入力してください")
	}

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !s.hasher.Verify(user.PasswordHash, password) {
		slog.Warn("login failed", slog.String("username", username))
		return nil, nil, model.NewInvalidLoginError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in", slog.Int64("user_id", user.ID))
	return session, user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// Authenticate は有効なセッションに紐づくPrincipalを返す。
// 期限切れまたは存在しないセッションの場合はnilを返す。
func (s *Service) Authenticate(ctx context.Context, sessionID string) (*model.Principal, error) {
	if sessionID == "" {
		return nil, nil
	}
	p, err := s.sessionRepo.FindPrincipal(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return p, nil
}

// GetCurrentUser は指定ユーザーの情報を返す。
func (s *Service) GetCurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID int64) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
