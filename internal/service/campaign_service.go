package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "campaignmailer/contracts/mq"
	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/internal/repository"
	"campaignmailer/pkg/db"
	"campaignmailer/pkg/logger"
	"campaignmailer/pkg/outbox"
	"campaignmailer/pkg/trace"
)

// BlobStore 上传文件使用的对象存储
type BlobStore interface {
	Put(ctx context.Context, data []byte, name, mimeType string) (string, error)
	Delete(ctx context.Context, key string) error
}

type UsageReader interface {
	Usage(ctx context.Context, userID string) (model.Usage, error)
}

// SubmitRequest 创建 campaign 的输入
type SubmitRequest struct {
	UserID        string
	Name          string
	TemplateID    *string
	Subject       string
	Body          string
	AttachmentIDs []string
	StartTime     time.Time
	Timezone      string

	Filename string
	MimeType string
	Data     []byte
}

type CampaignService struct {
	conn        db.TxBeginner
	campaigns   *repository.CampaignRepository
	attachments *repository.AttachmentRepository
	logs        *repository.EmailLogRepository
	outbox      *outbox.Repository
	uploads     BlobStore
	usage       UsageReader
	logger      *zap.Logger
	now         func() time.Time
}

func NewCampaignService(conn db.TxBeginner, uploads BlobStore, usage UsageReader, logger *zap.Logger) *CampaignService {
	return &CampaignService{
		conn:        conn,
		campaigns:   repository.NewCampaignRepository(conn),
		attachments: repository.NewAttachmentRepository(conn),
		logs:        repository.NewEmailLogRepository(conn),
		outbox:      outbox.NewRepository(conn),
		uploads:     uploads,
		usage:       usage,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit 保存收件人文件，在同一事务中创建 campaign 和 campaign.parse outbox 事件
func (s *CampaignService) Submit(ctx context.Context, req SubmitRequest) (*model.Campaign, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}
	ctx = trace.Ensure(ctx, trace.FromContext(ctx))
	log := logger.WithTrace(ctx, s.logger).With(zap.String("user_id", req.UserID))

	key, err := s.uploads.Put(ctx, req.Data, req.Filename, req.MimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to store recipient file: %w", err)
	}

	c := &model.Campaign{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Name:             req.Name,
		TemplateID:       req.TemplateID,
		Subject:          req.Subject,
		Body:             req.Body,
		AttachmentIDs:    req.AttachmentIDs,
		FileKey:          key,
		OriginalFilename: req.Filename,
		StartTime:        req.StartTime,
		Timezone:         req.Timezone,
	}

	payload := mqcontracts.ParseJobPayload{
		CampaignID:       c.ID,
		UserID:           c.UserID,
		FileKey:          key,
		OriginalFilename: c.OriginalFilename,
		TemplateID:       c.TemplateID,
		AttachmentIDs:    c.AttachmentIDs,
		Subject:          c.Subject,
		Body:             c.Body,
		StartTime:        c.StartTime,
		TraceID:          trace.FromContext(ctx),
	}

	err = db.WithTx(ctx, s.conn, func(tx pgx.Tx) error {
		if err := s.campaigns.Create(ctx, tx, c); err != nil {
			return err
		}
		_, err := s.outbox.Enqueue(ctx, tx, "campaign", c.ID, mqcontracts.RoutingKeyCampaignParse, payload)
		return err
	})
	if err != nil {
		if derr := s.uploads.Delete(ctx, key); derr != nil {
			log.Warn("Failed to remove orphaned upload", zap.String("file_key", key), zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	log.Info("Campaign submitted",
		zap.String("campaign_id", c.ID),
		zap.String("file_key", key),
		zap.Time("start_time", c.StartTime),
	)
	return c, nil
}

func (s *CampaignService) validate(ctx context.Context, req *SubmitRequest) error {
	switch strings.ToLower(filepath.Ext(req.Filename)) {
	case ".csv", ".xlsx":
	default:
		return fmt.Errorf("%w: %q", apperr.ErrUnsupportedFileType, req.Filename)
	}
	if len(req.Data) == 0 {
		return apperr.ErrEmptyFile
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", req.Timezone, err)
	}
	if req.StartTime.IsZero() {
		req.StartTime = s.now()
	}
	if len(req.AttachmentIDs) > 0 {
		owned, err := s.attachments.GetByIDs(ctx, req.UserID, req.AttachmentIDs)
		if err != nil {
			return err
		}
		if len(owned) != len(req.AttachmentIDs) {
			return fmt.Errorf("%w: some attachments do not belong to user", apperr.ErrAttachmentNotFound)
		}
	}
	return nil
}

// Get 返回用户自己的 campaign
func (s *CampaignService) Get(ctx context.Context, id, userID string) (*model.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, fmt.Errorf("%w: %s", apperr.ErrCampaignNotFound, id)
	}
	return c, nil
}

// Progress campaign 计数和 email_logs 实际条数，两者应一致
type Progress struct {
	Campaign     *model.Campaign `json:"campaign"`
	LoggedSent   int             `json:"logged_sent"`
	LoggedFailed int             `json:"logged_failed"`
}

func (s *CampaignService) Progress(ctx context.Context, id, userID string) (*Progress, error) {
	c, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	sent, failed, err := s.logs.CountByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Progress{Campaign: c, LoggedSent: sent, LoggedFailed: failed}, nil
}

// List 用户的 campaign，最新的在前
func (s *CampaignService) List(ctx context.Context, userID string, limit, offset int) ([]*model.Campaign, error) {
	return s.campaigns.ListByUser(ctx, userID, limit, offset)
}

// Usage 当日发送额度
func (s *CampaignService) Usage(ctx context.Context, userID string) (model.Usage, error) {
	return s.usage.Usage(ctx, userID)
}
