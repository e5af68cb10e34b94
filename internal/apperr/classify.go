package apperr

import (
	"errors"

	"campaignmailer/pkg/util"
)

// Classify 先按业务错误判断是否可重试，其余交给 util.IsRetryableError
// Returns: (isRetryable, errorType)
func Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	switch {
	case errors.Is(err, ErrMissingPlaceholders):
		return false, "missing_placeholders"
	case errors.Is(err, ErrUnsupportedFileType):
		return false, "unsupported_file_type"
	case errors.Is(err, ErrEmptyFile):
		return false, "empty_file"
	case errors.Is(err, ErrTemplateNotFound):
		return false, "template_not_found"
	case errors.Is(err, ErrCampaignNotFound):
		return false, "campaign_not_found"
	case errors.Is(err, ErrUserNotFound):
		return false, "user_not_found"
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		if sendErr.Retryable {
			return true, "transport_temporary"
		}
		return false, "transport_rejected"
	}

	// 附件取不到：对象不存在不重试，其余按底层错误判断
	var attErr *AttachmentError
	if errors.As(err, &attErr) {
		if errors.Is(err, ErrAttachmentNotFound) {
			return false, "attachment_not_found"
		}
		if retryable, _ := Classify(attErr.Err); retryable {
			return true, "attachment_fetch_error"
		}
		return false, "attachment_fetch_error"
	}

	return util.IsRetryableError(err)
}
