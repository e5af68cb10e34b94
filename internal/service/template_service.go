package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/internal/repository"
	"campaignmailer/pkg/db"
)

// TemplateService 用户自己的邮件模板（主题 + 正文，支持 {{placeholder}}）
type TemplateService struct {
	repo   *repository.TemplateRepository
	logger *zap.Logger
}

func NewTemplateService(conn db.DBTX, logger *zap.Logger) *TemplateService {
	return &TemplateService{repo: repository.NewTemplateRepository(conn), logger: logger}
}

// TemplateInput 创建和更新共用的字段
type TemplateInput struct {
	Name    string
	Subject string
	Body    string
}

func (in *TemplateInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Subject = strings.TrimSpace(in.Subject)
	checks := []struct {
		field    string
		value    string
		min, max int
	}{
		{"name", in.Name, 3, 100},
		{"subject", in.Subject, 3, 200},
		{"body", in.Body, 10, 0},
	}
	for _, c := range checks {
		n := utf8.RuneCountInString(c.value)
		if n < c.min || (c.max > 0 && n > c.max) {
			if c.max > 0 {
				return fmt.Errorf("%w: %s must be %d-%d characters", apperr.ErrInvalidTemplate, c.field, c.min, c.max)
			}
			return fmt.Errorf("%w: %s must be at least %d characters", apperr.ErrInvalidTemplate, c.field, c.min)
		}
	}
	return nil
}

func (s *TemplateService) Create(ctx context.Context, userID string, in TemplateInput) (*model.Template, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	t := &model.Template{
		ID:      uuid.NewString(),
		UserID:  userID,
		Name:    in.Name,
		Subject: in.Subject,
		Body:    in.Body,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("Template created", zap.String("user_id", userID), zap.String("template_id", t.ID))
	return t, nil
}

func (s *TemplateService) List(ctx context.Context, userID string) ([]*model.Template, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Update 只能修改自己的模板；已经调度的 campaign 不受影响
func (s *TemplateService) Update(ctx context.Context, id, userID string, in TemplateInput) (*model.Template, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	t := &model.Template{ID: id, UserID: userID, Name: in.Name, Subject: in.Subject, Body: in.Body}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TemplateService) Delete(ctx context.Context, id, userID string) error {
	if err := s.repo.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.logger.Info("Template deleted", zap.String("user_id", userID), zap.String("template_id", id))
	return nil
}
