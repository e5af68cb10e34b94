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

const campaignColumns = `id, user_id, name, template_id, subject, body, attachment_ids, file_key,
        original_filename, start_time, timezone, status, total_emails, sent_emails, failed_emails,
        error_message, started_at, completed_at, created_at, updated_at`

type CampaignRepository struct {
	db db.DBTX
}

func NewCampaignRepository(conn db.DBTX) *CampaignRepository {
	return &CampaignRepository{db: conn}
}

// Create inserts a campaign in parsing status. tx may be a transaction shared with the outbox insert.
func (r *CampaignRepository) Create(ctx context.Context, tx db.DBTX, c *model.Campaign) error {
	query := `
        INSERT INTO campaigns (id, user_id, name, template_id, subject, body, attachment_ids,
                               file_key, original_filename, start_time, timezone, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'parsing')
        RETURNING status, created_at, updated_at
    `
	if c.AttachmentIDs == nil {
		c.AttachmentIDs = []string{}
	}
	var status string
	err := tx.QueryRow(ctx, query,
		c.ID, c.UserID, c.Name, c.TemplateID, c.Subject, c.Body, c.AttachmentIDs,
		c.FileKey, c.OriginalFilename, c.StartTime, c.Timezone,
	).Scan(&status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	c.Status = model.CampaignStatus(status)
	return nil
}

// GetByID returns a campaign by id.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrCampaignNotFound, id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListByUser returns a user's campaigns, newest first.
func (r *CampaignRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkScheduled records total_emails and moves parsing -> scheduled.
// A campaign without recipients is completed immediately.
// Returns false if the campaign was no longer in parsing status.
func (r *CampaignRepository) MarkScheduled(ctx context.Context, id string, total int) (bool, error) {
	// 入队后、写状态前已经发出的任务会在 parsing 状态下计数，这里一并判断是否已完成
	query := `
        UPDATE campaigns
        SET total_emails = $2,
            status = CASE WHEN sent_emails + failed_emails >= $2 THEN 'completed' ELSE 'scheduled' END,
            started_at = NOW(),
            completed_at = CASE WHEN sent_emails + failed_emails >= $2 THEN NOW() ELSE NULL END,
            updated_at = NOW()
        WHERE id = $1 AND status = 'parsing'
    `
	tag, err := r.db.Exec(ctx, query, id, total)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign scheduled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves parsing -> failed with a reason.
func (r *CampaignRepository) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	query := `
        UPDATE campaigns
        SET status = 'failed', error_message = $2, updated_at = NOW()
        WHERE id = $1 AND status = 'parsing'
    `
	tag, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementOutcome atomically bumps sent_emails or failed_emails by one.
// sent + failed never exceeds total; the campaign completes when they meet.
func (r *CampaignRepository) IncrementOutcome(ctx context.Context, tx db.DBTX, id string, status model.EmailStatus) (bool, error) {
	column := "sent_emails"
	if status == model.EmailFailed {
		column = "failed_emails"
	}
	query := `
        UPDATE campaigns
        SET ` + column + ` = ` + column + ` + 1,
            status = CASE WHEN status = 'scheduled' AND sent_emails + failed_emails + 1 >= total_emails
                          THEN 'completed' ELSE status END,
            completed_at = CASE WHEN status = 'scheduled' AND sent_emails + failed_emails + 1 >= total_emails
                                THEN NOW() ELSE completed_at END,
            updated_at = NOW()
        WHERE id = $1
          AND (status = 'parsing' OR (status = 'scheduled' AND sent_emails + failed_emails < total_emails))
    `
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to increment campaign counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var (
		c      model.Campaign
		status string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.TemplateID, &c.Subject, &c.Body, &c.AttachmentIDs, &c.FileKey,
		&c.OriginalFilename, &c.StartTime, &c.Timezone, &status, &c.TotalEmails, &c.SentEmails, &c.FailedEmails,
		&c.ErrorMessage, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.CampaignStatus(status)
	return &c, nil
}
