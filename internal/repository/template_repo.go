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

type TemplateRepository struct {
	db db.DBTX
}

func NewTemplateRepository(conn db.DBTX) *TemplateRepository {
	return &TemplateRepository{db: conn}
}

// GetByID returns a template owned by userID.
func (r *TemplateRepository) GetByID(ctx context.Context, id, userID string) (*model.Template, error) {
	query := `
        SELECT id, user_id, name, subject, body, created_at
        FROM email_templates
        WHERE id = $1 AND user_id = $2
    `
	var t model.Template
	err := r.db.QueryRow(ctx, query, id, userID).Scan(
		&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrTemplateNotFound, id)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

// Create inserts a template for t.UserID.
func (r *TemplateRepository) Create(ctx context.Context, t *model.Template) error {
	query := `
        INSERT INTO email_templates (id, user_id, name, subject, body)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING created_at
    `
	if err := r.db.QueryRow(ctx, query, t.ID, t.UserID, t.Name, t.Subject, t.Body).Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// ListByUser returns a user's templates, newest first.
func (r *TemplateRepository) ListByUser(ctx context.Context, userID string) ([]*model.Template, error) {
	query := `
        SELECT id, user_id, name, subject, body, created_at
        FROM email_templates
        WHERE user_id = $1
        ORDER BY created_at DESC
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Update replaces name, subject and body of a template owned by t.UserID.
func (r *TemplateRepository) Update(ctx context.Context, t *model.Template) error {
	query := `
        UPDATE email_templates
        SET name = $3, subject = $4, body = $5
        WHERE id = $1 AND user_id = $2
        RETURNING created_at
    `
	err := r.db.QueryRow(ctx, query, t.ID, t.UserID, t.Name, t.Subject, t.Body).Scan(&t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", apperr.ErrTemplateNotFound, t.ID)
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

// Delete removes a template owned by userID; campaigns referencing it get template_id = NULL.
func (r *TemplateRepository) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM email_templates WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrTemplateNotFound, id)
	}
	return nil
}
