// Package apperr 定义调度与发送流程的错误分类。
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// 解析阶段：活动直接置为 failed
	ErrMissingPlaceholders = errors.New("missing placeholder columns")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyFile           = errors.New("empty file")
	ErrTemplateNotFound    = errors.New("template not found")

	// 发送阶段：只影响单个收件人
	ErrSendTransport   = errors.New("send transport failure")
	ErrAttachmentFetch = errors.New("attachment fetch failure")

	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrAttachmentLimit    = errors.New("attachment limit reached")
	ErrInvalidTemplate    = errors.New("invalid template")
	ErrUserNotFound       = errors.New("user not found")
)

// MissingPlaceholdersError 列出表头中缺失的列
type MissingPlaceholdersError struct {
	Missing []string
}

func (e *MissingPlaceholdersError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingPlaceholders, strings.Join(e.Missing, ", "))
}

func (e *MissingPlaceholdersError) Is(target error) bool {
	return target == ErrMissingPlaceholders
}

// SendError 发信通道返回的错误
type SendError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrSendTransport, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrSendTransport, e.Reason)
}

func (e *SendError) Is(target error) bool {
	return target == ErrSendTransport
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// AttachmentError 附件无法从缓存和对象存储获取
type AttachmentError struct {
	AttachmentID string
	Err          error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("%s: attachment %s: %v", ErrAttachmentFetch, e.AttachmentID, e.Err)
}

func (e *AttachmentError) Is(target error) bool {
	return target == ErrAttachmentFetch
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// IsIngestion 判断是否为文件解析类错误
func IsIngestion(err error) bool {
	return errors.Is(err, ErrMissingPlaceholders) ||
		errors.Is(err, ErrUnsupportedFileType) ||
		errors.Is(err, ErrEmptyFile)
}
