package model

import "time"

// Portal はデータ取得先の外部ポータルを表す。
type Portal struct {
	ID          int64
	Name        string
	URL         string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PortalUsage はポータルを参照しているレコード数を表す。
type PortalUsage struct {
	Credentials int
	Downloads   int
}

// InUse は参照が1件以上あるかを返す。
func (u PortalUsage) InUse() bool {
	return u.Credentials > 0 || u.Downloads > 0
}

// Credential はユーザーがポータルにアクセスするための認証情報を表す。
// SecretCiphertextはエンベロープ暗号化済みのバイト列で、平文は保持しない。
type Credential struct {
	ID               int64
	UserID           int64
	PortalID         int64
	Username         string
	SecretCiphertext []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CredentialSummary は一覧表示用の認証情報（ポータル名付き、秘密情報なし）を表す。
type CredentialSummary struct {
	ID         int64
	PortalID   int64
	PortalName string
	PortalURL  string
	Username   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
