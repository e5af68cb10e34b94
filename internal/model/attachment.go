package model

import "time"

// Attachment 用户上传的共享附件，创建后不可修改
type Attachment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	BlobKey   string    `json:"-"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
