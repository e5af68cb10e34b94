package mq

import "time"

const (
	// RoutingKeyCampaignParse 新建 campaign 后投递的解析任务
	RoutingKeyCampaignParse = "campaign.parse"
	// RoutingKeyCampaignSend 最终失败的发送任务进入此 key 的 DLQ
	RoutingKeyCampaignSend = "campaign.send"
)

// ParseJobPayload campaign.parse 消息体
type ParseJobPayload struct {
	CampaignID       string    `json:"campaign_id"`
	UserID           string    `json:"user_id"`
	FileKey          string    `json:"file_key"`
	OriginalFilename string    `json:"original_filename"`
	TemplateID       *string   `json:"template_id,omitempty"`
	AttachmentIDs    []string  `json:"attachment_ids"`
	Subject          string    `json:"subject,omitempty"`
	Body             string    `json:"body,omitempty"`
	StartTime        time.Time `json:"start_time"`
	TraceID          string    `json:"trace_id,omitempty"`
}

// SendFailedPayload 发送失败进入 DLQ 的消息体
type SendFailedPayload struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Recipient  string `json:"recipient"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
	TraceID    string `json:"trace_id,omitempty"`
}
