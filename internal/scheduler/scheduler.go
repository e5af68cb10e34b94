// Package scheduler 消费 campaign.parse 任务：读取收件人文件，为每个收件人写入一个延迟发送任务。
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	mqcontracts "campaignmailer/contracts/mq"
	"campaignmailer/internal/apperr"
	"campaignmailer/internal/ingest"
	"campaignmailer/internal/model"
	"campaignmailer/pkg/jobqueue"
	"campaignmailer/pkg/logger"
	"campaignmailer/pkg/metrics"
	"campaignmailer/pkg/otel"
	"campaignmailer/pkg/trace"
	"campaignmailer/pkg/util"
)

const handlerName = "campaign.parse"

type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	MarkScheduled(ctx context.Context, id string, total int) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
}

type TemplateStore interface {
	GetByID(ctx context.Context, id, userID string) (*model.Template, error)
}

type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type JobEnqueuer interface {
	EnqueueBulk(ctx context.Context, jobs []jobqueue.Job) (int, error)
}

// Config 调度参数
type Config struct {
	Spacing         time.Duration `yaml:"spacing"`
	ParseMaxRetries int64         `yaml:"parse_max_retries"`
}

type Scheduler struct {
	campaigns    CampaignStore
	templates    TemplateStore
	blobs        BlobOpener
	queue        JobEnqueuer
	retryCounter *util.RetryCounter
	deduper      *util.Deduper
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

func New(
	campaigns CampaignStore,
	templates TemplateStore,
	blobs BlobOpener,
	queue JobEnqueuer,
	retryCounter *util.RetryCounter,
	deduper *util.Deduper,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Spacing <= 0 {
		cfg.Spacing = 2 * time.Minute
	}
	if cfg.ParseMaxRetries <= 0 {
		cfg.ParseMaxRetries = 3
	}
	return &Scheduler{
		campaigns:    campaigns,
		templates:    templates,
		blobs:        blobs,
		queue:        queue,
		retryCounter: retryCounter,
		deduper:      deduper,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// HandleParse 是 campaign.parse 的消息处理函数。
// 返回 error 表示需要 nack 重投；终态错误会把 campaign 置为 failed 并 ack。
func (s *Scheduler) HandleParse(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.ParseJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Error("Failed to unmarshal parse payload (non-retryable, dropping)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		metrics.IncrementCampaignParse("failed")
		return nil
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("campaign_id", p.CampaignID),
		zap.String("user_id", p.UserID),
	)

	if s.deduper.Seen(ctx, handlerName, p.CampaignID) {
		metrics.IncrementCampaignParse("skipped")
		return nil
	}

	ctx, span := otel.StartSpan(ctx, "campaign.parse")
	defer span.End()

	err := s.Schedule(ctx, p)
	if err == nil {
		s.markDone(ctx, log, p.CampaignID)
		return nil
	}
	span.RecordError(err)

	retryable, errType := apperr.Classify(err)
	log = log.With(zap.String("error_type", errType), zap.Bool("retryable", retryable), zap.Error(err))

	if retryable {
		count, cerr := s.retryCounter.IncrementAndGet(ctx, util.FormatRetryKey(handlerName, p.CampaignID))
		if cerr != nil {
			log.Warn("Failed to increment retry counter", zap.NamedError("counter_error", cerr))
		}
		if util.ShouldRetry(count, s.cfg.ParseMaxRetries, true) {
			log.Warn("Parse failed, will retry", zap.Int64("retry_count", count))
			metrics.IncrementCampaignParse("retried")
			return err
		}
		log.Error("Parse retries exhausted", zap.Int64("retry_count", count))
	} else {
		log.Error("Parse failed (non-retryable)")
	}

	if _, ferr := s.campaigns.MarkFailed(ctx, p.CampaignID, err.Error()); ferr != nil {
		// 状态没写进去就继续重投，避免 campaign 停在 parsing
		log.Error("Failed to mark campaign failed", zap.NamedError("mark_error", ferr))
		return ferr
	}
	s.markDone(ctx, log, p.CampaignID)

	// 文件本身的问题（缺列、格式、空文件）单独计数
	if apperr.IsIngestion(err) {
		metrics.IncrementCampaignParse("rejected")
	} else {
		metrics.IncrementCampaignParse("failed")
	}
	return nil
}

// markDone 只在 campaign 进入终态后写去重标记，处理中途退出的消息重投后会重新处理
func (s *Scheduler) markDone(ctx context.Context, log *zap.Logger, campaignID string) {
	if err := s.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, campaignID)); err != nil {
		log.Warn("Failed to reset retry counter", zap.Error(err))
	}
	if err := s.deduper.MarkDone(ctx, handlerName, campaignID); err != nil {
		log.Warn("Failed to write dedup marker", zap.Error(err))
	}
}

// Schedule 读取收件人并批量入队，然后写入 total_emails 和 scheduled 状态。
// 已经离开 parsing 状态的 campaign 直接跳过。
func (s *Scheduler) Schedule(ctx context.Context, p mqcontracts.ParseJobPayload) error {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("campaign_id", p.CampaignID))

	campaign, err := s.campaigns.GetByID(ctx, p.CampaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.CampaignParsing {
		log.Info("Campaign already parsed, skipping", zap.String("status", string(campaign.Status)))
		metrics.IncrementCampaignParse("skipped")
		return nil
	}

	subject, body, err := s.resolveContent(ctx, campaign)
	if err != nil {
		return err
	}

	rows, err := s.readRecipients(ctx, campaign, ingest.RequiredColumns(subject, body))
	if err != nil {
		return err
	}

	sendJobs := BuildSendJobs(campaign, rows, subject, body, s.cfg.Spacing, s.now())
	queued, err := s.enqueue(ctx, campaign.ID, sendJobs)
	if err != nil {
		return err
	}

	ok, err := s.campaigns.MarkScheduled(ctx, campaign.ID, len(sendJobs))
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("Campaign left parsing state while scheduling")
		return nil
	}

	metrics.IncrementCampaignParse("scheduled")
	log.Info("Campaign scheduled",
		zap.Int("total_emails", len(sendJobs)),
		zap.Int("newly_queued", queued),
	)
	return nil
}

// resolveContent 模板提供默认主题和正文，campaign 上的值逐项覆盖
func (s *Scheduler) resolveContent(ctx context.Context, c *model.Campaign) (string, string, error) {
	subject, body := c.Subject, c.Body
	if c.TemplateID == nil || *c.TemplateID == "" {
		return subject, body, nil
	}
	tpl, err := s.templates.GetByID(ctx, *c.TemplateID, c.UserID)
	if err != nil {
		return "", "", err
	}
	if subject == "" {
		subject = tpl.Subject
	}
	if body == "" {
		body = tpl.Body
	}
	return subject, body, nil
}

func (s *Scheduler) readRecipients(ctx context.Context, c *model.Campaign, required []string) ([]model.Row, error) {
	rc, err := s.blobs.Open(ctx, c.FileKey)
	if err != nil {
		return nil, fmt.Errorf("open recipient file: %w", err)
	}
	defer rc.Close()

	reader, err := ingest.Open(rc, c.OriginalFilename, required)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	s.logger.Debug("Recipient file header",
		zap.String("campaign_id", c.ID),
		zap.Strings("columns", reader.Header()),
	)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	return rows, nil
}

func (s *Scheduler) enqueue(ctx context.Context, campaignID string, sendJobs []model.SendJob) (int, error) {
	if len(sendJobs) == 0 {
		return 0, nil
	}
	traceID := trace.FromContext(ctx)
	jobs := make([]jobqueue.Job, 0, len(sendJobs))
	for i := range sendJobs {
		sendJobs[i].TraceID = traceID
		payload, err := json.Marshal(sendJobs[i])
		if err != nil {
			return 0, fmt.Errorf("marshal send job: %w", err)
		}
		jobs = append(jobs, jobqueue.Job{
			ID:      JobID(campaignID, i),
			Payload: payload,
			RunAt:   sendJobs[i].SendAt,
		})
	}
	n, err := s.queue.EnqueueBulk(ctx, jobs)
	if err != nil {
		return 0, fmt.Errorf("enqueue send jobs: %w", err)
	}
	metrics.AddSendJobsEnqueued(n)
	return n, nil
}
