package model

import "time"

// Row 一行收件人数据：小写列名 -> 值，总是包含 email
type Row map[string]string

// Email 收件人地址
func (r Row) Email() string {
	return r["email"]
}

// SendJob 每个收件人一个，payload 存在 Redis 队列中
type SendJob struct {
	CampaignID    string    `json:"campaign_id"`
	UserID        string    `json:"user_id"`
	Recipient     Row       `json:"recipient"`
	AttachmentIDs []string  `json:"attachment_ids"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	SendAt        time.Time `json:"send_at"`
	TraceID       string    `json:"trace_id,omitempty"`
}
