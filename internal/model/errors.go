// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。境界層はこの分類でHTTPステータスを決定する。
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
	KindConflict    ErrorKind = "conflict"
	KindAuth        ErrorKind = "auth"
	KindFetch       ErrorKind = "fetch"
	KindPersistence ErrorKind = "persistence"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code    string    // エラーコード
	Message string    // エラーメッセージ
	Kind    ErrorKind // 分類
	Action  string    // ユーザー向け対処方法
	Err     error     // 原因（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf はエラーチェーンからAPIErrorの分類を取り出す。
// APIErrorを含まない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// 定義済みエラーコード
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidDateRange  = "INVALID_DATE_RANGE"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeInvalidLogin      = "INVALID_LOGIN"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCSRF              = "CSRF_TOKEN_INVALID"
	ErrCodeDuplicateUser     = "DUPLICATE_USER"
	ErrCodeLastAdmin         = "LAST_ADMIN"
	ErrCodeSelfModification  = "SELF_MODIFICATION"
	ErrCodeDuplicatePortal   = "DUPLICATE_PORTAL"
	ErrCodePortalInUse       = "PORTAL_IN_USE"
	ErrCodeDuplicateCred     = "DUPLICATE_CREDENTIAL"
	ErrCodeDownloadActive    = "DOWNLOAD_ACTIVE"
	ErrCodeArtifactMissing   = "ARTIFACT_NOT_AVAILABLE"
	ErrCodeFetchFailed       = "FETCH_FAILED"
	ErrCodePersistenceFailed = "PERSISTENCE_FAILED"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Kind:    KindValidation,
		Action:  "入力内容を確認してください。",
	}
}

// NewInvalidDateRangeError は開始日が終了日より後の場合のエラーを生成する。
func NewInvalidDateRangeError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidDateRange,
		Message: "開始日は終了日以前の日付を指定してください。",
		Kind:    KindValidation,
		Action:  "日付はYYYY-MM-DD形式で、開始日 <= 終了日となるよう指定してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("無効なURLです: %s", reason),
		Kind:    KindValidation,
		Action:  "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:    ErrCodeSSRFBlocked,
		Message: "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Kind:    KindValidation,
		Action:  "ローカルネットワークやプライベートIPを指すポータルURLは登録できません。",
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
// resourceには "download" や "portal" などのリソース名を渡す。
func NewNotFoundError(resource string, id int64) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("指定された%sが見つかりません: %d", resource, id),
		Kind:    KindNotFound,
		Action:  "IDを確認してください。",
	}
}

// NewForbiddenError は他ユーザーのリソースへのアクセスエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: "このリソースにアクセスする権限がありません。",
		Kind:    KindForbidden,
		Action:  "自分が所有するリソースのみ操作できます。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:    ErrCodeUserNotFound,
		Message: "ユーザーが見つかりません。",
		Kind:    KindNotFound,
		Action:  "ログインし直してください。",
	}
}

// NewInvalidLoginError はユーザー名またはパスワードが一致しない場合のエラーを生成する。
func NewInvalidLoginError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidLogin,
		Message: "ユーザー名またはパスワードが正しくありません。",
		Kind:    KindAuth,
		Action:  "入力内容を確認して再度ログインしてください。",
	}
}

// NewUnauthorizedError は未ログインまたはセッション切れの場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: "ログインが必要です。",
		Kind:    KindAuth,
		Action:  "ログインしてから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:    ErrCodeCSRF,
		Message: "リクエストの検証に失敗しました。",
		Kind:    KindForbidden,
		Action:  "ページを再読み込みしてから再度お試しください。",
	}
}

// NewDuplicateUserError はユーザー名またはメールアドレスが重複する場合のエラーを生成する。
func NewDuplicateUserError() *APIError {
	return &APIError{
		Code:    ErrCodeDuplicateUser,
		Message: "このユーザー名またはメールアドレスは既に使用されています。",
		Kind:    KindConflict,
		Action:  "別のユーザー名またはメールアドレスを指定してください。",
	}
}

// NewLastAdminError は最後の管理者を降格・削除しようとした場合のエラーを生成する。
func NewLastAdminError() *APIError {
	return &APIError{
		Code:    ErrCodeLastAdmin,
		Message: "最後の管理者を降格または削除することはできません。",
		Kind:    KindConflict,
		Action:  "先に別のユーザーを管理者に設定してください。",
	}
}

// NewSelfModificationError は管理者が自身を降格・削除しようとした場合のエラーを生成する。
func NewSelfModificationError() *APIError {
	return &APIError{
		Code:    ErrCodeSelfModification,
		Message: "自分自身の管理者権限の解除やアカウント削除はできません。",
		Kind:    KindConflict,
		Action:  "別の管理者に操作を依頼してください。",
	}
}

// NewDuplicatePortalError はポータル名が重複する場合のエラーを生成する。
func NewDuplicatePortalError(name string) *APIError {
	return &APIError{
		Code:    ErrCodeDuplicatePortal,
		Message: fmt.Sprintf("ポータル名は既に使用されています: %s", name),
		Kind:    KindConflict,
		Action:  "別のポータル名を指定してください。",
	}
}

// NewPortalInUseError はポータルが参照されているため削除できない場合のエラーを生成する。
func NewPortalInUseError(credentials, downloads int) *APIError {
	return &APIError{
		Code:    ErrCodePortalInUse,
		Message: fmt.Sprintf("ポータルを削除できません。%d件の認証情報と%d件のダウンロードが存在します。", credentials, downloads),
		Kind:    KindConflict,
		Action:  "関連する認証情報とダウンロードを削除してから再度お試しください。",
	}
}

// NewDuplicateCredentialError は同一ポータルの認証情報が既に登録されている場合のエラーを生成する。
func NewDuplicateCredentialError() *APIError {
	return &APIError{
		Code:    ErrCodeDuplicateCred,
		Message: "このポータルの認証情報は既に登録されています。",
		Kind:    KindConflict,
		Action:  "既存の認証情報を編集してください。",
	}
}

// NewDownloadActiveError は実行中のダウンロードを削除しようとした場合のエラーを生成する。
func NewDownloadActiveError() *APIError {
	return &APIError{
		Code:    ErrCodeDownloadActive,
		Message: "実行中のダウンロードは削除できません。",
		Kind:    KindConflict,
		Action:  "完了または失敗するまでお待ちください。",
	}
}

// NewArtifactNotAvailableError は成果物がまだ存在しない場合のエラーを生成する。
func NewArtifactNotAvailableError() *APIError {
	return &APIError{
		Code:    ErrCodeArtifactMissing,
		Message: "ダウンロードファイルはまだ利用できません。",
		Kind:    KindNotFound,
		Action:  "ダウンロードの完了後に再度お試しください。",
	}
}

// NewFetchError はポータルからの取得失敗エラーを生成する。
func NewFetchError(reason string, err error) *APIError {
	return &APIError{
		Code:    ErrCodeFetchFailed,
		Message: fmt.Sprintf("ポータルからのデータ取得に失敗しました: %s", reason),
		Kind:    KindFetch,
		Action:  "認証情報とポータルURLを確認し、しばらく待ってから再度お試しください。",
		Err:     err,
	}
}

// NewPersistenceError はデータストアへの読み書き失敗エラーを生成する。
func NewPersistenceError(op string, err error) *APIError {
	return &APIError{
		Code:    ErrCodePersistenceFailed,
		Message: fmt.Sprintf("データの保存に失敗しました: %s", op),
		Kind:    KindPersistence,
		Action:  "しばらく待ってから再度お試しください。",
		Err:     err,
	}
}
