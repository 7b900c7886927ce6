// Package artifact はダウンロード成果物（JSON）の保存先を提供する。
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/navportal/internal/model"
)

// ErrNotFound は参照先の成果物が存在しない場合に返される。
var ErrNotFound = errors.New("artifact not found")

// Store は成果物の保存と読み出しを行う。
// Saveが返す参照はdownloads.file_pathに記録され、Openに渡される。
type Store interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Remove は成果物を削除する。存在しない場合はnilを返す。
	Remove(ctx context.Context, ref string) error
}

// Name は成果物のファイル名を生成する。
// 形式: {type}_{portalID}_{YYYYmmdd_HHMMSS}_{uuid8}.json
func Name(kind model.DownloadType, portalID int64, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s_%s.json",
		kind, portalID, now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}
