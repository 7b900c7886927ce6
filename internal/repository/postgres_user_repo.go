package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/navportal/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, username, email, password_hash, is_admin, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	return user, nil
}

// List は全ユーザーを作成日時順に返す。
func (r *PostgresUserRepo) List(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// Create はユーザーを作成する。
// 最初のユーザーは管理者になるため、is_adminは挿入時にNOT EXISTSで判定する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, is_admin)
		 VALUES ($1, $2, $3, $4 OR NOT EXISTS (SELECT 1 FROM users))
		 RETURNING id, is_admin, created_at, updated_at`,
		user.Username, user.Email, user.PasswordHash, user.IsAdmin,
	).Scan(&user.ID, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err, "") {
		return model.NewDuplicateUserError()
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// CountAdmins は管理者ユーザー数を返す。
func (r *PostgresUserRepo) CountAdmins(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM users WHERE is_admin`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// SetAdmin は管理者フラグを更新する。
// 管理者行をFOR UPDATEでロックしてから件数を数えるため、
// 並行する降格要求によって管理者が0人になることはない。
func (r *PostgresUserRepo) SetAdmin(ctx context.Context, id int64, isAdmin bool) error {
	return r.withAdminGuard(ctx, id, !isAdmin, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET is_admin = $2, updated_at = now() WHERE id = $1`,
			id, isAdmin,
		)
		if err != nil {
			return fmt.Errorf("failed to update admin flag: %w", err)
		}
		return nil
	})
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するsessions、credentials、downloadsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id int64) error {
	return r.withAdminGuard(ctx, id, true, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return nil
	})
}

// withAdminGuard は対象ユーザーと管理者行をロックした上でfnを実行する。
// removesAdminがtrueで対象が唯一の管理者の場合はLAST_ADMINエラーを返す。
func (r *PostgresUserRepo) withAdminGuard(ctx context.Context, id int64, removesAdmin bool, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var adminIDs []int64
	rows, err := tx.QueryContext(ctx, `SELECT id FROM users WHERE is_admin ORDER BY id FOR UPDATE`)
	if err != nil {
		return fmt.Errorf("failed to lock admin rows: %w", err)
	}
	for rows.Next() {
		var adminID int64
		if err := rows.Scan(&adminID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan admin row: %w", err)
		}
		adminIDs = append(adminIDs, adminID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate admin rows: %w", err)
	}

	var targetIsAdmin bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_admin FROM users WHERE id = $1 FOR UPDATE`, id,
	).Scan(&targetIsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewUserNotFoundError()
	}
	if err != nil {
		return fmt.Errorf("failed to lock user row: %w", err)
	}

	if removesAdmin && targetIsAdmin && len(adminIDs) <= 1 {
		return model.NewLastAdminError()
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
