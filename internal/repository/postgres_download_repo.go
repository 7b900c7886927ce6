package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/navportal/internal/model"
)

// PostgresDownloadRepo はPostgreSQLを使用したダウンロードリポジトリ。
// 状態遷移はすべてWHERE句の状態条件付きUPDATEで行い、
// 終端状態からの遷移や進捗の後退をストアレベルで防ぐ。
type PostgresDownloadRepo struct {
	db *sql.DB
}

// NewPostgresDownloadRepo はPostgresDownloadRepoを生成する。
func NewPostgresDownloadRepo(db *sql.DB) *PostgresDownloadRepo {
	return &PostgresDownloadRepo{db: db}
}

const downloadColumns = `d.id, d.user_id, d.portal_id, d.credential_id, d.facility_username, d.download_type,
	d.start_date, d.end_date, d.status, d.progress, d.file_path, d.error_message, d.created_at, d.updated_at`

func scanDownload(row interface{ Scan(...any) error }, extra ...any) (*model.Download, error) {
	d := &model.Download{}
	var credentialID sql.NullInt64
	var filePath, errorMessage sql.NullString
	dest := []any{
		&d.ID, &d.UserID, &d.PortalID, &credentialID, &d.FacilityUsername, &d.DownloadType,
		&d.StartDate, &d.EndDate, &d.Status, &d.Progress, &filePath, &errorMessage, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	d.CredentialID = nullInt64Ptr(credentialID)
	d.FilePath = nullStringPtr(filePath)
	d.ErrorMessage = nullStringPtr(errorMessage)
	return d, nil
}

// FindByID は指定IDのダウンロードを取得する。見つからない場合はnilを返す。
func (r *PostgresDownloadRepo) FindByID(ctx context.Context, id int64) (*model.Download, error) {
	d, err := scanDownload(r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads d WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find download: %w", err)
	}
	return d, nil
}

// ListByUserID はユーザーのダウンロード履歴を作成日時の降順で返す。
func (r *PostgresDownloadRepo) ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DownloadSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+`, p.name
		 FROM downloads d
		 INNER JOIN portals p ON p.id = d.portal_id
		 WHERE d.user_id = $1
		 ORDER BY d.created_at DESC, d.id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var result []model.DownloadSummary
	for rows.Next() {
		var portalName string
		d, err := scanDownload(rows, &portalName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		result = append(result, model.DownloadSummary{Download: *d, PortalName: portalName})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}
	return result, nil
}

// Create はscheduled状態・進捗0のダウンロードを作成する。
func (r *PostgresDownloadRepo) Create(ctx context.Context, d *model.Download) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO downloads (user_id, portal_id, credential_id, facility_username, download_type,
		                        start_date, end_date, status, progress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', 0)
		 RETURNING id, status, progress, created_at, updated_at`,
		d.UserID, d.PortalID, d.CredentialID, d.FacilityUsername, d.DownloadType,
		d.StartDate.Format(model.DateLayout), d.EndDate.Format(model.DateLayout),
	).Scan(&d.ID, &d.Status, &d.Progress, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}
	return nil
}

// Claim はscheduled→in_progressへの遷移を試みる。
func (r *PostgresDownloadRepo) Claim(ctx context.Context, id int64, progress int) (bool, error) {
	return r.execConditional(ctx, "claim download",
		`UPDATE downloads SET status = 'in_progress', progress = GREATEST(progress, $2), updated_at = now()
		 WHERE id = $1 AND status = 'scheduled'`,
		id, progress,
	)
}

// FailScheduled はscheduled状態のダウンロードを直接failedにする。
func (r *PostgresDownloadRepo) FailScheduled(ctx context.Context, id int64, message string) (bool, error) {
	return r.execConditional(ctx, "fail scheduled download",
		`UPDATE downloads SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE id = $1 AND status = 'scheduled'`,
		id, message,
	)
}

// Advance はin_progress状態のダウンロードの進捗を更新する。
func (r *PostgresDownloadRepo) Advance(ctx context.Context, id int64, progress int) error {
	return r.requireActive(r.execConditional(ctx, "advance download",
		`UPDATE downloads SET progress = GREATEST(progress, $2), updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, progress,
	))
}

// AttachArtifact は成果物の参照を記録し、進捗を更新する。
func (r *PostgresDownloadRepo) AttachArtifact(ctx context.Context, id int64, filePath string, progress int) error {
	return r.requireActive(r.execConditional(ctx, "attach artifact",
		`UPDATE downloads SET file_path = $2, progress = GREATEST(progress, $3), updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, filePath, progress,
	))
}

// Complete はin_progress→completedへ遷移し、進捗を100にする。
func (r *PostgresDownloadRepo) Complete(ctx context.Context, id int64) error {
	return r.requireActive(r.execConditional(ctx, "complete download",
		`UPDATE downloads SET status = 'completed', progress = 100, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id,
	))
}

// Fail はin_progress→failedへ遷移する。進捗は変更しない。
func (r *PostgresDownloadRepo) Fail(ctx context.Context, id int64, message string) error {
	return r.requireActive(r.execConditional(ctx, "fail download",
		`UPDATE downloads SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, message,
	))
}

// ListScheduledBefore はbefore以前に作成されたscheduled状態のダウンロードIDを古い順に返す。
func (r *PostgresDownloadRepo) ListScheduledBefore(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM downloads
		 WHERE status = 'scheduled' AND created_at <= $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled downloads: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan download id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled downloads: %w", err)
	}
	return ids, nil
}

// FailStale はbefore以降更新されていないin_progress状態のダウンロードをfailedにする。
func (r *PostgresDownloadRepo) FailStale(ctx context.Context, before time.Time, message string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE downloads SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE status = 'in_progress' AND updated_at <= $1
		 RETURNING id`,
		before, message,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale downloads: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale download id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale downloads: %w", err)
	}
	return ids, nil
}

// DeleteTerminal は終端状態のダウンロードを削除する。
func (r *PostgresDownloadRepo) DeleteTerminal(ctx context.Context, id int64) (bool, error) {
	return r.execConditional(ctx, "delete download",
		`DELETE FROM downloads WHERE id = $1 AND status = ANY($2)`,
		id, pq.Array([]string{string(model.StatusCompleted), string(model.StatusFailed)}),
	)
}

// execConditional は条件付きの更新を実行し、1行以上が対象になったかを返す。
func (r *PostgresDownloadRepo) execConditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresDownloadRepo) requireActive(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrDownloadNotActive
	}
	return nil
}

// compile-time interface check
var _ DownloadRepository = (*PostgresDownloadRepo)(nil)
