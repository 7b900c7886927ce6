// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Principal はリクエスト単位の認証済みユーザーを表す。
// セッションミドルウェアが生成し、コンテキスト経由で各サービスに渡される。
type Principal struct {
	UserID   int64
	Username string
	IsAdmin  bool
}
