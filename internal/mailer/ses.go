package mailer

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"campaignmailer/internal/apperr"
	"campaignmailer/pkg/logger"
)

// sesAPI *sesv2.Client 的子集，便于测试
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport 通过 SES v2 发送原始 MIME 邮件（支持附件）
type SESTransport struct {
	client sesAPI
	logger *zap.Logger
}

func NewSESTransport(cfg aws.Config, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: sesv2.NewFromConfig(cfg), logger: logger}
}

func (t *SESTransport) Send(ctx context.Context, msg *Message) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return &apperr.SendError{Reason: "build message", Err: err}
	}

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return classifySESError(err)
	}

	t.logger.Debug("SES accepted message",
		logger.Recipient(msg.To),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

func classifySESError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException":
			return &apperr.SendError{Reason: apiErr.ErrorCode(), Retryable: true, Err: err}
		case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException",
			"SendingPausedException", "BadRequestException", "NotFoundException":
			return &apperr.SendError{Reason: apiErr.ErrorCode(), Err: err}
		}
		return &apperr.SendError{
			Reason:    apiErr.ErrorCode(),
			Retryable: apiErr.ErrorFault() != smithy.FaultClient,
			Err:       err,
		}
	}
	// 网络层错误
	if errors.Is(err, context.Canceled) {
		return &apperr.SendError{Reason: "canceled", Err: err}
	}
	return &apperr.SendError{Reason: "ses request", Retryable: true, Err: err}
}
