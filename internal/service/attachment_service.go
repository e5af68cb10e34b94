package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/internal/repository"
	"campaignmailer/pkg/db"
)

type CacheEvicter interface {
	Evict(ctx context.Context, id string) error
}

// AttachmentService 管理用户的共享附件，每个用户最多 maxPerUser 个
type AttachmentService struct {
	conn       db.TxBeginner
	repo       *repository.AttachmentRepository
	blobs      BlobStore
	cache      CacheEvicter
	maxPerUser int
	logger     *zap.Logger
}

func NewAttachmentService(conn db.TxBeginner, blobs BlobStore, cache CacheEvicter, maxPerUser int, logger *zap.Logger) *AttachmentService {
	if maxPerUser <= 0 {
		maxPerUser = 3
	}
	return &AttachmentService{
		conn:       conn,
		repo:       repository.NewAttachmentRepository(conn),
		blobs:      blobs,
		cache:      cache,
		maxPerUser: maxPerUser,
		logger:     logger,
	}
}

// Upload 保存附件到对象存储并创建记录
func (s *AttachmentService) Upload(ctx context.Context, userID, name, mimeType string, data []byte) (*model.Attachment, error) {
	if len(data) == 0 {
		return nil, apperr.ErrEmptyFile
	}
	// 先检查一次，避免超限时白传对象；真正的限制在插入事务里
	n, err := s.repo.CountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n >= s.maxPerUser {
		return nil, fmt.Errorf("%w: max %d per user", apperr.ErrAttachmentLimit, s.maxPerUser)
	}

	key, err := s.blobs.Put(ctx, data, name, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	a := &model.Attachment{
		ID:       uuid.NewString(),
		UserID:   userID,
		Name:     name,
		BlobKey:  key,
		MimeType: mimeType,
		Size:     int64(len(data)),
	}
	err = db.WithTx(ctx, s.conn, func(tx pgx.Tx) error {
		return s.repo.CreateWithinLimit(ctx, tx, a, s.maxPerUser)
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.Warn("Failed to remove orphaned attachment blob", zap.String("blob_key", key), zap.Error(derr))
		}
		return nil, err
	}

	s.logger.Info("Attachment uploaded",
		zap.String("user_id", userID),
		zap.String("attachment_id", a.ID),
		zap.Int64("size", a.Size),
	)
	return a, nil
}

func (s *AttachmentService) List(ctx context.Context, userID string) ([]*model.Attachment, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Delete 删除记录、对象和缓存；已入队的任务再取这个附件会按附件缺失失败
func (s *AttachmentService) Delete(ctx context.Context, id, userID string) error {
	a, err := s.repo.Delete(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, a.BlobKey); err != nil {
		s.logger.Warn("Failed to delete attachment blob", zap.String("blob_key", a.BlobKey), zap.Error(err))
	}
	if err := s.cache.Evict(ctx, id); err != nil {
		s.logger.Warn("Failed to evict attachment cache", zap.String("attachment_id", id), zap.Error(err))
	}
	return nil
}
