// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/navportal/internal/model"
)

// ErrDownloadNotActive は状態更新の対象ダウンロードが存在しないか、
// 既に想定外の状態（終端状態など）に遷移している場合に返される。
var ErrDownloadNotActive = errors.New("download is not in the expected state")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// List は全ユーザーを作成日時順に返す。
	List(ctx context.Context) ([]*model.User, error)

	// Create はユーザーを作成し、採番されたIDと実際のis_adminをuserに反映する。
	// ユーザーが1人も存在しない場合は要求に関わらず管理者として作成する。
	// ユーザー名またはメールアドレスが重複する場合はDUPLICATE_USERエラーを返す。
	Create(ctx context.Context, user *model.User) error

	// CountAdmins は管理者ユーザー数を返す。
	CountAdmins(ctx context.Context) (int, error)

	// SetAdmin は管理者フラグを更新する。
	// 最後の管理者を降格しようとした場合はLAST_ADMINエラーを返し、何も変更しない。
	SetAdmin(ctx context.Context, id int64, isAdmin bool) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、credentials、downloadsはCASCADE削除される。
	// 最後の管理者を削除しようとした場合はLAST_ADMINエラーを返す。
	DeleteByID(ctx context.Context, id int64) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindPrincipal は有効なセッションに紐づくユーザー情報を返す。期限切れまたは未検出の場合はnilを返す。
	FindPrincipal(ctx context.Context, sessionID string) (*model.Principal, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID int64) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// PortalRepository はポータルデータの永続化インターフェース。
type PortalRepository interface {
	// FindByID は指定IDのポータルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Portal, error)

	// List は全ポータルを名前順に返す。
	List(ctx context.Context) ([]*model.Portal, error)

	// Create はポータルを作成する。名前が重複する場合はDUPLICATE_PORTALエラーを返す。
	Create(ctx context.Context, portal *model.Portal) error

	// Update はポータルの名前・URL・説明を更新する。
	Update(ctx context.Context, portal *model.Portal) error

	// Usage はポータルを参照している認証情報とダウンロードの件数を返す。
	Usage(ctx context.Context, id int64) (model.PortalUsage, error)

	// DeleteIfUnused は参照が存在しない場合のみポータルを削除する。
	// 参照が存在する場合はPORTAL_IN_USEエラーを返し、何も削除しない。
	DeleteIfUnused(ctx context.Context, id int64) error
}

// CredentialRepository は認証情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByID は指定IDの認証情報を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Credential, error)

	// ListByUserID はユーザーの認証情報一覧をポータル名付きで返す。
	ListByUserID(ctx context.Context, userID int64) ([]model.CredentialSummary, error)

	// Create は認証情報を作成する。同一(user, portal)が存在する場合はDUPLICATE_CREDENTIALエラーを返す。
	Create(ctx context.Context, cred *model.Credential) error

	// Update は認証情報のユーザー名と暗号化済みシークレットを更新する。
	Update(ctx context.Context, cred *model.Credential) error

	// DeleteByID は指定IDの認証情報を削除する。参照しているダウンロードのcredential_idはNULLになる。
	DeleteByID(ctx context.Context, id int64) error
}

// DownloadReader はダウンロードの読み取り専用インターフェース。
// ジョブエンジン以外のコンポーネントにはこのインターフェースのみを渡す。
type DownloadReader interface {
	// FindByID は指定IDのダウンロードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Download, error)

	// ListByUserID はユーザーのダウンロード履歴を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DownloadSummary, error)
}

// DownloadStateWriter はダウンロードの状態を変更するインターフェース。
// 各メソッドは単一のUPDATE文で状態遷移条件を検証するため、
// 不正な遷移や進捗の後退はストアレベルで拒否される。
type DownloadStateWriter interface {
	// Create はscheduled状態・進捗0のダウンロードを作成し、IDと作成日時をdに反映する。
	Create(ctx context.Context, d *model.Download) error

	// Claim はscheduled→in_progressへの遷移を試みる。
	// 他のワーカーが既に取得済みの場合はfalseを返す。
	Claim(ctx context.Context, id int64, progress int) (bool, error)

	// FailScheduled はscheduled状態のダウンロードを直接failedにする。
	FailScheduled(ctx context.Context, id int64, message string) (bool, error)

	// Advance はin_progress状態のダウンロードの進捗を更新する。
	// 進捗は現在値より小さくならない。対象がin_progressでない場合はErrDownloadNotActiveを返す。
	Advance(ctx context.Context, id int64, progress int) error

	// AttachArtifact は成果物の参照を記録し、進捗を更新する。
	AttachArtifact(ctx context.Context, id int64, filePath string, progress int) error

	// Complete はin_progress→completedへ遷移し、進捗を100にする。
	Complete(ctx context.Context, id int64) error

	// Fail はin_progress→failedへ遷移する。進捗は変更しない。
	Fail(ctx context.Context, id int64, message string) error

	// ListScheduledBefore はbefore以前に作成されたscheduled状態のダウンロードIDを古い順に返す。
	ListScheduledBefore(ctx context.Context, before time.Time, limit int) ([]int64, error)

	// FailStale はbefore以降更新されていないin_progress状態のダウンロードをfailedにし、対象IDを返す。
	FailStale(ctx context.Context, before time.Time, message string) ([]int64, error)

	// DeleteTerminal は終端状態のダウンロードを削除する。終端状態でない場合はfalseを返す。
	DeleteTerminal(ctx context.Context, id int64) (bool, error)
}

// DownloadRepository はダウンロードの読み書きを行うインターフェース。
type DownloadRepository interface {
	DownloadReader
	DownloadStateWriter
}
