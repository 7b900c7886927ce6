// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/navportal/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var principalContextKey = contextKey("principal")

// Authenticator はセッションIDから認証済みユーザーを解決するインターフェース。
// 期限切れまたは存在しないセッションにはnilを返す。
type Authenticator interface {
	Authenticate(ctx context.Context, sessionID string) (*model.Principal, error)
}

// NewSessionMiddleware はHTTP Only CookieのセッションIDを検証し、
// PrincipalをリクエストコンテキストとリクエストログにAnnotateする。
// 未認証リクエストには401を返す。
func NewSessionMiddleware(auth Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteError(w, r, model.NewUnauthorizedError())
				return
			}

			p, err := auth.Authenticate(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to authenticate session",
					slog.String("error", err.Error()),
				)
				WriteError(w, r, model.NewUnauthorizedError())
				return
			}
			if p == nil {
				WriteError(w, r, model.NewUnauthorizedError())
				return
			}

			annotate(r.Context(), p.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), *p)))
		})
	}
}

// RequireAdmin は管理者以外のリクエストに403を返す。
// セッションミドルウェアの後に配置する。
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			WriteError(w, r, model.NewUnauthorizedError())
			return
		}
		if !p.IsAdmin {
			slog.Warn("admin route denied",
				slog.Int64("user_id", p.UserID),
				slog.String("path", r.URL.Path),
			)
			WriteError(w, r, model.NewForbiddenError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	if !ok || p.UserID == 0 {
		return model.Principal{}, false
	}
	return p, true
}

// ContextWithPrincipal はコンテキストに認証済みユーザーを注入する。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
