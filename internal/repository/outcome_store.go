package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"campaignmailer/internal/model"
	"campaignmailer/pkg/db"
)

// OutcomeStore writes a send outcome: the email log and the campaign counter in one transaction.
type OutcomeStore struct {
	conn      db.TxBeginner
	logs      *EmailLogRepository
	campaigns *CampaignRepository
}

func NewOutcomeStore(conn db.TxBeginner) *OutcomeStore {
	return &OutcomeStore{
		conn:      conn,
		logs:      NewEmailLogRepository(conn),
		campaigns: NewCampaignRepository(conn),
	}
}

// Recorded reports whether the job already has a log entry.
func (s *OutcomeStore) Recorded(ctx context.Context, jobID string) (bool, error) {
	return s.logs.ExistsForJob(ctx, jobID)
}

// Record inserts the log entry and, only if it was new, increments the counter.
// Returns false when the job had already been recorded.
func (s *OutcomeStore) Record(ctx context.Context, l *model.EmailLog) (bool, error) {
	var inserted bool
	err := db.WithTx(ctx, s.conn, func(tx pgx.Tx) error {
		var err error
		inserted, err = s.logs.Insert(ctx, tx, l)
		if err != nil || !inserted {
			return err
		}
		_, err = s.campaigns.IncrementOutcome(ctx, tx, l.CampaignID, l.Status)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
