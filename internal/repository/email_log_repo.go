package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"campaignmailer/internal/model"
	"campaignmailer/pkg/db"
)

type EmailLogRepository struct {
	db db.DBTX
}

func NewEmailLogRepository(conn db.DBTX) *EmailLogRepository {
	return &EmailLogRepository{db: conn}
}

// Insert appends a log entry unless one already exists for the job.
// Returns false when the job was already recorded.
func (r *EmailLogRepository) Insert(ctx context.Context, tx db.DBTX, l *model.EmailLog) (bool, error) {
	query := `
        INSERT INTO email_logs (job_id, campaign_id, user_id, recipient, status, error_message, subject, body)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (job_id) DO NOTHING
        RETURNING id, created_at
    `
	err := tx.QueryRow(ctx, query,
		l.JobID, l.CampaignID, l.UserID, l.Recipient, string(l.Status), l.Error, l.Subject, l.Body,
	).Scan(&l.ID, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert email log: %w", err)
	}
	return true, nil
}

// ExistsForJob reports whether the job already has a final outcome.
func (r *EmailLogRepository) ExistsForJob(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_logs WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email log: %w", err)
	}
	return exists, nil
}

// CountByCampaign returns sent and failed log counts for a campaign.
func (r *EmailLogRepository) CountByCampaign(ctx context.Context, campaignID string) (sent, failed int, err error) {
	query := `
        SELECT COUNT(*) FILTER (WHERE status = 'sent'),
               COUNT(*) FILTER (WHERE status = 'failed')
        FROM email_logs
        WHERE campaign_id = $1
    `
	if err := r.db.QueryRow(ctx, query, campaignID).Scan(&sent, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count email logs: %w", err)
	}
	return sent, failed, nil
}
