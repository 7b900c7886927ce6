package model

import "time"

// DownloadStatus はダウンロードジョブの状態を表す。
type DownloadStatus string

const (
	StatusScheduled  DownloadStatus = "scheduled"
	StatusInProgress DownloadStatus = "in_progress"
	StatusCompleted  DownloadStatus = "completed"
	StatusFailed     DownloadStatus = "failed"
)

// IsTerminal は終端状態（completed / failed）かどうかを返す。
func (s DownloadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo はsからnextへの遷移が許可されているかを返す。
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// DownloadType はダウンロード対象データの種類を表す。
type DownloadType string

const (
	TypeSubmission DownloadType = "submission"
	TypeRemittance DownloadType = "remittance"
)

// ParseDownloadType は文字列をDownloadTypeに変換する。未知の値の場合はfalseを返す。
func ParseDownloadType(s string) (DownloadType, bool) {
	switch DownloadType(s) {
	case TypeSubmission, TypeRemittance:
		return DownloadType(s), true
	}
	return "", false
}

// DateLayout はAPIで受け付ける日付形式。
const DateLayout = "2006-01-02"

// Download は1回分のダウンロードジョブを表す。
// 作成はSubmitのみ、状態変更はジョブエンジンの実行タスクのみが行う。
type Download struct {
	ID               int64
	UserID           int64
	PortalID         int64
	CredentialID     *int64 // 認証情報削除時はnull
	FacilityUsername string
	DownloadType     DownloadType
	StartDate        time.Time
	EndDate          time.Time
	Status           DownloadStatus
	Progress         int
	FilePath         *string
	ErrorMessage     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DownloadSummary は履歴一覧表示用のダウンロード情報（ポータル名付き）を表す。
type DownloadSummary struct {
	Download
	PortalName string
}
