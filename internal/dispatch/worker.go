// Package dispatch 消费到期的发送任务：配额检查、附件解析、发送、记录结果、重试。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	mqcontracts "campaignmailer/contracts/mq"
	"campaignmailer/internal/apperr"
	"campaignmailer/internal/attachcache"
	"campaignmailer/internal/blobstore"
	"campaignmailer/internal/mailer"
	"campaignmailer/internal/model"
	"campaignmailer/internal/quota"
	"campaignmailer/pkg/jobqueue"
	"campaignmailer/pkg/logger"
	"campaignmailer/pkg/metrics"
	"campaignmailer/pkg/otel"
	"campaignmailer/pkg/trace"
)

// Outcome 一次 Process 的结果
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeRetried     Outcome = "retried"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeDeferred    Outcome = "deferred"
)

// Attempted 是否真正尝试了发送（需要节流等待）
func (o Outcome) Attempted() bool {
	return o == OutcomeSent || o == OutcomeFailed || o == OutcomeRetried
}

type JobQueue interface {
	Pull(ctx context.Context, timeout time.Duration) (*jobqueue.Job, error)
	Ack(ctx context.Context, job *jobqueue.Job) error
	Reschedule(ctx context.Context, job *jobqueue.Job, at time.Time) error
	Retry(ctx context.Context, job *jobqueue.Job, cause error, at time.Time) error
	Bury(ctx context.Context, job *jobqueue.Job, reason string) error
}

type QuotaLimiter interface {
	CheckAllowed(ctx context.Context, userID string) (quota.Decision, error)
	RecordSend(ctx context.Context, userID string, window time.Time) error
	Release(ctx context.Context, userID string, window time.Time) error
}

type OutcomeRecorder interface {
	Recorded(ctx context.Context, jobID string) (bool, error)
	Record(ctx context.Context, l *model.EmailLog) (bool, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type AttachmentStore interface {
	GetByIDs(ctx context.Context, userID string, ids []string) ([]*model.Attachment, error)
}

type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type AttachmentCache interface {
	Fetch(ctx context.Context, id string, load attachcache.Loader) ([]byte, error)
}

type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// Worker 处理单个发送任务，可被多个 goroutine 共享
type Worker struct {
	queue       JobQueue
	queueName   string
	limiter     QuotaLimiter
	outcomes    OutcomeRecorder
	users       UserStore
	attachments AttachmentStore
	blobs       BlobGetter
	cache       AttachmentCache
	transport   mailer.Transport
	dlq         DeadLetterPublisher
	backoff     jobqueue.Backoff
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

type Deps struct {
	Queue       JobQueue
	QueueName   string
	Limiter     QuotaLimiter
	Outcomes    OutcomeRecorder
	Users       UserStore
	Attachments AttachmentStore
	Blobs       BlobGetter
	Cache       AttachmentCache
	Transport   mailer.Transport
	DLQ         DeadLetterPublisher // 可选
}

func NewWorker(d Deps, backoff jobqueue.Backoff, maxAttempts int, logger *zap.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		queue:       d.Queue,
		queueName:   d.QueueName,
		limiter:     d.Limiter,
		outcomes:    d.Outcomes,
		users:       d.Users,
		attachments: d.Attachments,
		blobs:       d.Blobs,
		cache:       d.Cache,
		transport:   d.Transport,
		dlq:         d.DLQ,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Process 执行一个发送任务。返回的 error 只表示队列/存储操作失败，发送失败体现在 Outcome 中。
func (w *Worker) Process(ctx context.Context, job *jobqueue.Job) (Outcome, error) {
	start := time.Now()

	var sj model.SendJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		w.logger.Error("Burying undecodable send job", zap.String("job_id", job.ID), zap.Error(err))
		return OutcomeFailed, w.queue.Bury(ctx, job, "undecodable payload: "+err.Error())
	}

	ctx = trace.Ensure(ctx, sj.TraceID)
	ctx, span := otel.JobSpan(ctx, w.queueName, job.ID, job.Attempts+1)
	defer span.End()

	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("job_id", job.ID),
		zap.String("campaign_id", sj.CampaignID),
		zap.String("user_id", sj.UserID),
		zap.Int("attempt", job.Attempts+1),
		logger.Recipient(sj.Recipient.Email()),
	)

	outcome, err := w.process(ctx, log, job, &sj)
	if err != nil {
		span.RecordError(err)
	}
	metrics.IncrementEmailProcessed(string(outcome))
	if outcome.Attempted() {
		metrics.RecordSendJobDuration(string(outcome), time.Since(start))
	}
	return outcome, err
}

func (w *Worker) process(ctx context.Context, log *zap.Logger, job *jobqueue.Job, sj *model.SendJob) (Outcome, error) {
	// 重投的任务：结果已经记录过，只需确认
	done, err := w.outcomes.Recorded(ctx, job.ID)
	if err != nil {
		return w.deferJob(ctx, log, job, err)
	}
	if done {
		log.Info("Send job already recorded, acking duplicate")
		return OutcomeDuplicate, w.queue.Ack(ctx, job)
	}

	decision, err := w.limiter.CheckAllowed(ctx, sj.UserID)
	if err != nil {
		return w.deferJob(ctx, log, job, err)
	}
	if !decision.Allowed {
		at := w.now().Add(decision.NextAllowedDelay)
		metrics.IncrementQuotaDenied()
		log.Info("Daily quota reached, rescheduling",
			zap.Int64("count", decision.Count),
			zap.Time("next_allowed_at", at),
		)
		return OutcomeRescheduled, w.queue.Reschedule(ctx, job, at)
	}

	if sendErr := w.send(ctx, sj); sendErr != nil {
		if err := w.limiter.Release(ctx, sj.UserID, decision.Window); err != nil {
			log.Warn("Failed to release quota reservation", zap.Error(err))
		}
		return w.handleFailure(ctx, log, job, sj, sendErr)
	}

	if _, err := w.outcomes.Record(ctx, w.emailLog(job, sj, model.EmailSent, nil)); err != nil {
		// 邮件已发出但结果未落库：放回队列，重投时可能重复发送（at-least-once）
		log.Error("Failed to record sent email", zap.Error(err))
		return w.deferJob(ctx, log, job, err)
	}
	if err := w.limiter.RecordSend(ctx, sj.UserID, decision.Window); err != nil {
		log.Warn("Failed to record quota usage", zap.Error(err))
	}
	log.Info("Email sent")
	return OutcomeSent, w.queue.Ack(ctx, job)
}

func (w *Worker) handleFailure(ctx context.Context, log *zap.Logger, job *jobqueue.Job, sj *model.SendJob, sendErr error) (Outcome, error) {
	retryable, errType := apperr.Classify(sendErr)
	attempt := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.maxAttempts
	}
	log = log.With(
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Error(sendErr),
	)

	if retryable && attempt < maxAttempts {
		delay := w.backoff.Duration(attempt)
		log.Warn("Send failed, will retry", zap.Duration("backoff", delay))
		return OutcomeRetried, w.queue.Retry(ctx, job, sendErr, w.now().Add(delay))
	}

	reason := sendErr.Error()
	if _, err := w.outcomes.Record(ctx, w.emailLog(job, sj, model.EmailFailed, &reason)); err != nil {
		log.Error("Failed to record failed email", zap.NamedError("record_error", err))
		return w.deferJob(ctx, log, job, err)
	}
	log.Error("Send failed permanently")

	if err := w.queue.Bury(ctx, job, reason); err != nil {
		return OutcomeFailed, err
	}
	w.publishDeadLetter(ctx, log, job, sj, attempt, reason)
	return OutcomeFailed, nil
}

// deferJob 存储或配额服务暂时不可用：不消耗尝试次数，稍后重新投递
func (w *Worker) deferJob(ctx context.Context, log *zap.Logger, job *jobqueue.Job, cause error) (Outcome, error) {
	delay := w.backoff.Duration(1)
	log.Warn("Deferring send job", zap.Duration("delay", delay), zap.Error(cause))
	if err := w.queue.Reschedule(ctx, job, w.now().Add(delay)); err != nil {
		return OutcomeDeferred, errors.Join(cause, err)
	}
	return OutcomeDeferred, nil
}

func (w *Worker) send(ctx context.Context, sj *model.SendJob) error {
	user, err := w.users.GetByID(ctx, sj.UserID)
	if err != nil {
		return err
	}

	attachments, err := w.resolveAttachments(ctx, sj)
	if err != nil {
		return err
	}

	msg := &mailer.Message{
		From:        mail.Address{Name: user.Name, Address: user.Email},
		To:          sj.Recipient.Email(),
		Subject:     sj.Subject,
		Body:        sj.Body,
		Attachments: attachments,
		Headers:     map[string]string{"X-Campaign-ID": sj.CampaignID},
	}
	if user.OAuthRefreshToken != nil {
		msg.Credentials.RefreshToken = *user.OAuthRefreshToken
	}
	if user.AppPassword != nil {
		msg.Credentials.AppPassword = *user.AppPassword
	}
	return w.transport.Send(ctx, msg)
}

// resolveAttachments 按任务中的顺序读取附件；任何一个取不到都视为发送失败
func (w *Worker) resolveAttachments(ctx context.Context, sj *model.SendJob) ([]mailer.Attachment, error) {
	if len(sj.AttachmentIDs) == 0 {
		return nil, nil
	}
	records, err := w.attachments.GetByIDs(ctx, sj.UserID, sj.AttachmentIDs)
	if err != nil {
		return nil, &apperr.AttachmentError{Err: err}
	}
	byID := make(map[string]*model.Attachment, len(records))
	for _, a := range records {
		byID[a.ID] = a
	}

	out := make([]mailer.Attachment, 0, len(sj.AttachmentIDs))
	for _, id := range sj.AttachmentIDs {
		a, ok := byID[id]
		if !ok {
			return nil, &apperr.AttachmentError{AttachmentID: id, Err: apperr.ErrAttachmentNotFound}
		}
		data, err := w.cache.Fetch(ctx, a.ID, func(ctx context.Context) ([]byte, error) {
			return w.blobs.Get(ctx, a.BlobKey)
		})
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				err = fmt.Errorf("%w: %w", apperr.ErrAttachmentNotFound, err)
			}
			return nil, &apperr.AttachmentError{AttachmentID: id, Err: err}
		}
		out = append(out, mailer.Attachment{Filename: a.Name, ContentType: a.MimeType, Data: data})
	}
	return out, nil
}

func (w *Worker) emailLog(job *jobqueue.Job, sj *model.SendJob, status model.EmailStatus, reason *string) *model.EmailLog {
	return &model.EmailLog{
		JobID:      job.ID,
		CampaignID: sj.CampaignID,
		UserID:     sj.UserID,
		Recipient:  sj.Recipient.Email(),
		Status:     status,
		Error:      reason,
		Subject:    sj.Subject,
		Body:       sj.Body,
	}
}

func (w *Worker) publishDeadLetter(ctx context.Context, log *zap.Logger, job *jobqueue.Job, sj *model.SendJob, attempts int, reason string) {
	if w.dlq == nil {
		return
	}
	payload, err := json.Marshal(mqcontracts.SendFailedPayload{
		JobID:      job.ID,
		CampaignID: sj.CampaignID,
		UserID:     sj.UserID,
		Recipient:  sj.Recipient.Email(),
		Attempts:   attempts,
		Error:      reason,
		TraceID:    trace.FromContext(ctx),
	})
	if err != nil {
		return
	}
	if err := w.dlq.PublishToDLQ(ctx, mqcontracts.RoutingKeyCampaignSend, payload, reason); err != nil {
		log.Warn("Failed to publish dead letter", zap.NamedError("dlq_error", err))
	}
}
