package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/pkg/db"
)

const attachmentColumns = `id, user_id, name, blob_key, mime_type, size_bytes, created_at`

type AttachmentRepository struct {
	db db.DBTX
}

func NewAttachmentRepository(conn db.DBTX) *AttachmentRepository {
	return &AttachmentRepository{db: conn}
}

// CreateWithinLimit inserts an attachment unless the user already owns maxPerUser.
// tx must be a transaction: the user row stays locked until commit, so concurrent
// uploads for the same user are counted one after another.
func (r *AttachmentRepository) CreateWithinLimit(ctx context.Context, tx db.DBTX, a *model.Attachment, maxPerUser int) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, a.UserID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", apperr.ErrUserNotFound, a.UserID)
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE user_id = $1`, a.UserID).Scan(&n); err != nil {
		return fmt.Errorf("failed to count attachments: %w", err)
	}
	if n >= maxPerUser {
		return fmt.Errorf("%w: max %d per user", apperr.ErrAttachmentLimit, maxPerUser)
	}

	query := `
        INSERT INTO attachments (id, user_id, name, blob_key, mime_type, size_bytes)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at
    `
	err = tx.QueryRow(ctx, query, a.ID, a.UserID, a.Name, a.BlobKey, a.MimeType, a.Size).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// CountByUser returns how many attachments a user owns.
func (r *AttachmentRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}

// ListByUser returns a user's attachments, newest first.
func (r *AttachmentRepository) ListByUser(ctx context.Context, userID string) ([]*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE user_id = $1 ORDER BY created_at DESC`
	return r.query(ctx, query, userID)
}

// GetByIDs returns the attachments in ids owned by userID. Missing ids are skipped.
func (r *AttachmentRepository) GetByIDs(ctx context.Context, userID string, ids []string) ([]*model.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE user_id = $1 AND id = ANY($2::uuid[]) ORDER BY created_at`
	return r.query(ctx, query, userID, ids)
}

// Delete removes an attachment owned by userID and returns the deleted record.
func (r *AttachmentRepository) Delete(ctx context.Context, id, userID string) (*model.Attachment, error) {
	query := `DELETE FROM attachments WHERE id = $1 AND user_id = $2 RETURNING ` + attachmentColumns
	a, err := scanAttachment(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrAttachmentNotFound, id)
		}
		return nil, fmt.Errorf("failed to delete attachment: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepository) query(ctx context.Context, query string, args ...any) ([]*model.Attachment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []*model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	var a model.Attachment
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.BlobKey, &a.MimeType, &a.Size, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
