package model

import "time"

type EmailStatus string

const (
	EmailSent   EmailStatus = "sent"
	EmailFailed EmailStatus = "failed"
)

// EmailLog 每个发送任务最终结果一条，job_id 唯一
type EmailLog struct {
	ID         int64
	JobID      string
	CampaignID string
	UserID     string
	Recipient  string
	Status     EmailStatus
	Error      *string
	Subject    string
	Body       string
	CreatedAt  time.Time
}
