package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/navportal/internal/model"
)

// PostgresPortalRepo はPostgreSQLを使用したポータルリポジトリ。
type PostgresPortalRepo struct {
	db *sql.DB
}

// NewPostgresPortalRepo はPostgresPortalRepoを生成する。
func NewPostgresPortalRepo(db *sql.DB) *PostgresPortalRepo {
	return &PostgresPortalRepo{db: db}
}

const portalColumns = `id, name, url, description, created_at, updated_at`

func scanPortal(row interface{ Scan(...any) error }) (*model.Portal, error) {
	p := &model.Portal{}
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByID は指定IDのポータルを取得する。見つからない場合はnilを返す。
func (r *PostgresPortalRepo) FindByID(ctx context.Context, id int64) (*model.Portal, error) {
	p, err := scanPortal(r.db.QueryRowContext(ctx,
		`SELECT `+portalColumns+` FROM portals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find portal: %w", err)
	}
	return p, nil
}

// List は全ポータルを名前順に返す。
func (r *PostgresPortalRepo) List(ctx context.Context) ([]*model.Portal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+portalColumns+` FROM portals ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portals: %w", err)
	}
	defer rows.Close()

	var portals []*model.Portal
	for rows.Next() {
		p, err := scanPortal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portal: %w", err)
		}
		portals = append(portals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate portals: %w", err)
	}
	return portals, nil
}

// Create はポータルを作成する。
func (r *PostgresPortalRepo) Create(ctx context.Context, portal *model.Portal) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO portals (name, url, description)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		portal.Name, portal.URL, portal.Description,
	).Scan(&portal.ID, &portal.CreatedAt, &portal.UpdatedAt)
	if isUniqueViolation(err, "portals_name_key") {
		return model.NewDuplicatePortalError(portal.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert portal: %w", err)
	}
	return nil
}

// Update はポータルの名前・URL・説明を更新する。
func (r *PostgresPortalRepo) Update(ctx context.Context, portal *model.Portal) error {
	err := r.db.QueryRowContext(ctx,
		`UPDATE portals SET name = $2, url = $3, description = $4, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		portal.ID, portal.Name, portal.URL, portal.Description,
	).Scan(&portal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError("ポータル", portal.ID)
	}
	if isUniqueViolation(err, "portals_name_key") {
		return model.NewDuplicatePortalError(portal.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update portal: %w", err)
	}
	return nil
}

const portalUsageSQL = `SELECT
	(SELECT count(*) FROM credentials WHERE portal_id = $1),
	(SELECT count(*) FROM downloads WHERE portal_id = $1)`

// Usage はポータルを参照している認証情報とダウンロードの件数を返す。
func (r *PostgresPortalRepo) Usage(ctx context.Context, id int64) (model.PortalUsage, error) {
	var u model.PortalUsage
	if err := r.db.QueryRowContext(ctx, portalUsageSQL, id).Scan(&u.Credentials, &u.Downloads); err != nil {
		return model.PortalUsage{}, fmt.Errorf("failed to count portal usage: %w", err)
	}
	return u, nil
}

// DeleteIfUnused は参照が存在しない場合のみポータルを削除する。
// ポータル行をFOR UPDATEでロックし、参照の確認と削除を同一トランザクションで行う。
func (r *PostgresPortalRepo) DeleteIfUnused(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lockedID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM portals WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError("ポータル", id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock portal: %w", err)
	}

	var u model.PortalUsage
	if err := tx.QueryRowContext(ctx, portalUsageSQL, id).Scan(&u.Credentials, &u.Downloads); err != nil {
		return fmt.Errorf("failed to count portal usage: %w", err)
	}
	if u.InUse() {
		return model.NewPortalInUseError(u.Credentials, u.Downloads)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM portals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete portal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PortalRepository = (*PostgresPortalRepo)(nil)
