package model

import "time"

// User 发件人身份；凭据由外部认证流程写入
type User struct {
	ID                string
	Email             string
	Name              string
	OAuthRefreshToken *string
	AppPassword       *string
}

// Usage 当日发送额度使用情况
type Usage struct {
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}
