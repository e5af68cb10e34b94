package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"campaignmailer/pkg/db"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("outbox event not found")

// Event 表示一个待发布的事件
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	RoutingKey    string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const eventColumns = `id, aggregate_type, aggregate_id, routing_key, payload, status,
		       retry_count, next_retry_at, created_at, updated_at`

// Repository 提供 Outbox 表的读写
type Repository struct {
	db db.DBTX
}

// NewRepository 创建新的 Outbox Repository
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

// InsertEvent 写入事件；tx 应该是业务写入所在的事务
func (r *Repository) InsertEvent(ctx context.Context, tx db.DBTX, event *Event) error {
	query := `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		event.AggregateType,
		event.AggregateID,
		event.RoutingKey,
		event.Payload,
		event.Status,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// Enqueue 序列化 payload 并在 tx 中写入一条 pending 事件，与业务写入同一事务提交
func (r *Repository) Enqueue(ctx context.Context, tx db.DBTX, aggregateType, aggregateID, routingKey string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}
	event := &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        StatusPending,
	}
	if err := r.InsertEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// GetPendingEvents 获取到期的待发送事件（用于 Dispatcher）
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryEvents(ctx, query, limit)
}

// GetFailedEvents 获取所有失败的事件（用于重放）
func (r *Repository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.queryEvents(ctx, query, limit)
}

// GetFailedEventsByAggregate 某个聚合（例如一个 campaign）下失败的事件
func (r *Repository) GetFailedEventsByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE status = 'failed' AND aggregate_type = $1 AND aggregate_id = $2
		ORDER BY created_at ASC
	`
	return r.queryEvents(ctx, query, aggregateType, aggregateID)
}

// GetEventByID 根据 ID 获取事件
func (r *Repository) GetEventByID(ctx context.Context, eventID int64) (*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE id = $1
	`

	e, err := scanEvent(r.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 增加重试次数；达到 maxRetries 后置为 failed，否则按 retry_count*5s 退避
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE WHEN retry_count + 1 >= $2 THEN NULL
		                         ELSE NOW() + (retry_count + 1) * INTERVAL '5 seconds' END,
		    updated_at = NOW()
		WHERE id = $1
	`, eventID, maxRetries)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// ReplayEvent 重放事件（将状态重置为 pending）
func (r *Repository) ReplayEvent(ctx context.Context, eventID int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to replay event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	return nil
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID,
		&e.AggregateType,
		&e.AggregateID,
		&e.RoutingKey,
		&e.Payload,
		&e.Status,
		&e.RetryCount,
		&e.NextRetryAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
