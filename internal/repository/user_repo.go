package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/pkg/credseal"
	"campaignmailer/pkg/db"
)

type UserRepository struct {
	db     db.DBTX
	sealer *credseal.Sealer
}

// NewUserRepository sealer 为 nil 时凭据按明文读写
func NewUserRepository(conn db.DBTX, sealer *credseal.Sealer) *UserRepository {
	if sealer == nil {
		sealer = &credseal.Sealer{}
	}
	return &UserRepository{db: conn, sealer: sealer}
}

// GetByID returns the sender identity of a user with credentials decrypted.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `
        SELECT id, email, display_name, oauth_refresh_token, app_password
        FROM users
        WHERE id = $1
    `
	var u model.User
	err := r.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.Name, &u.OAuthRefreshToken, &u.AppPassword,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	for _, field := range []*string{u.OAuthRefreshToken, u.AppPassword} {
		if field == nil {
			continue
		}
		plain, err := r.sealer.Open(*field)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		*field = plain
	}
	return &u, nil
}

// SetCredentials 加密后写入凭据；nil 表示不修改该字段
func (r *UserRepository) SetCredentials(ctx context.Context, id string, appPassword, refreshToken *string) error {
	seal := func(v *string) (*string, error) {
		if v == nil {
			return nil, nil
		}
		sealed, err := r.sealer.Seal(*v)
		if err != nil {
			return nil, err
		}
		return &sealed, nil
	}
	pw, err := seal(appPassword)
	if err != nil {
		return fmt.Errorf("failed to seal app password: %w", err)
	}
	token, err := seal(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
        UPDATE users
        SET app_password = COALESCE($2, app_password),
            oauth_refresh_token = COALESCE($3, oauth_refresh_token)
        WHERE id = $1
    `, id, pw, token)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrUserNotFound, id)
	}
	return nil
}
