package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/navportal/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByID は指定IDの認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, id int64) (*model.Credential, error) {
	c := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, portal_id, username, secret_ciphertext, created_at, updated_at
		 FROM credentials WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.PortalID, &c.Username, &c.SecretCiphertext, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	return c, nil
}

// ListByUserID はユーザーの認証情報一覧をポータル名付きで返す。
// 暗号化済みシークレットは読み出さない。
func (r *PostgresCredentialRepo) ListByUserID(ctx context.Context, userID int64) ([]model.CredentialSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.portal_id, p.name, p.url, c.username, c.created_at, c.updated_at
		 FROM credentials c
		 INNER JOIN portals p ON p.id = c.portal_id
		 WHERE c.user_id = $1
		 ORDER BY p.name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var result []model.CredentialSummary
	for rows.Next() {
		var s model.CredentialSummary
		if err := rows.Scan(&s.ID, &s.PortalID, &s.PortalName, &s.PortalURL, &s.Username, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return result, nil
}

// Create は認証情報を作成する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO credentials (user_id, portal_id, username, secret_ciphertext)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		cred.UserID, cred.PortalID, cred.Username, cred.SecretCiphertext,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if isUniqueViolation(err, "credentials_user_portal_key") {
		return model.NewDuplicateCredentialError()
	}
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// Update は認証情報のユーザー名と暗号化済みシークレットを更新する。
func (r *PostgresCredentialRepo) Update(ctx context.Context, cred *model.Credential) error {
	err := r.db.QueryRowContext(ctx,
		`UPDATE credentials SET username = $2, secret_ciphertext = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		cred.ID, cred.Username, cred.SecretCiphertext,
	).Scan(&cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError("認証情報", cred.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// DeleteByID は指定IDの認証情報を削除する。
func (r *PostgresCredentialRepo) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError("認証情報", id)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
