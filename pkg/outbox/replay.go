package outbox

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReplayService 手动重放发布失败（status=failed）的事件，运维命令行使用
type ReplayService struct {
	repo       *Repository
	publisher  Publisher
	maxRetries int
	logger     *zap.Logger
}

// NewReplayService maxRetries 与 Dispatcher 保持一致，重放仍失败时重新进入退避
func NewReplayService(repo *Repository, publisher Publisher, maxRetries int, logger *zap.Logger) *ReplayService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &ReplayService{repo: repo, publisher: publisher, maxRetries: maxRetries, logger: logger}
}

// ReplayEvent 立即重新发布一个事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	return s.replay(ctx, event)
}

// ReplayAggregate 重放某个聚合下所有失败的事件，例如一个卡在 parsing 的 campaign
func (s *ReplayService) ReplayAggregate(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	events, err := s.repo.GetFailedEventsByAggregate(ctx, aggregateType, aggregateID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("%w: no failed events for %s %s", ErrEventNotFound, aggregateType, aggregateID)
	}
	return s.replayAll(ctx, events)
}

// ReplayFailedEvents 重放最近 limit 个失败事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}
	return s.replayAll(ctx, events)
}

func (s *ReplayService) replayAll(ctx context.Context, events []*Event) (int, error) {
	var errs []error
	replayed := 0
	for _, event := range events {
		if err := s.replay(ctx, event); err != nil {
			s.logger.Warn("Failed to replay outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("aggregate_id", event.AggregateID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (s *ReplayService) replay(ctx context.Context, event *Event) error {
	if err := publishEvent(ctx, s.publisher, event); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, event.ID, s.maxRetries); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	if err := s.repo.MarkAsSent(ctx, event.ID); err != nil {
		return fmt.Errorf("event %d published but not marked sent: %w", event.ID, err)
	}
	s.logger.Info("Replayed outbox event",
		zap.Int64("event_id", event.ID),
		zap.String("routing_key", event.RoutingKey),
		zap.String("aggregate_id", event.AggregateID),
	)
	return nil
}
