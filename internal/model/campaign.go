package model

import "time"

type CampaignStatus string

const (
	CampaignParsing   CampaignStatus = "parsing"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCompleted CampaignStatus = "completed"
)

// Terminal 是否为终态
func (s CampaignStatus) Terminal() bool {
	return s == CampaignFailed || s == CampaignCompleted
}

type Campaign struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Name             string         `json:"name"`
	TemplateID       *string        `json:"template_id,omitempty"`
	Subject          string         `json:"subject"` // 覆盖模板的主题，空表示使用模板
	Body             string         `json:"body"`    // 覆盖模板的正文，空表示使用模板
	AttachmentIDs    []string       `json:"attachment_ids"`
	FileKey          string         `json:"file_key"`
	OriginalFilename string         `json:"original_filename"`
	StartTime        time.Time      `json:"start_time"`
	Timezone         string         `json:"timezone"`
	Status           CampaignStatus `json:"status"`
	TotalEmails      int            `json:"total_emails"`
	SentEmails       int            `json:"sent_emails"`
	FailedEmails     int            `json:"failed_emails"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type Template struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
