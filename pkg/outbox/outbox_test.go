package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaignmailer/pkg/trace"
)

type fakePublisher struct {
	failKeys  map[string]bool
	published []string
	traceIDs  []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if p.failKeys[routingKey] {
		return errors.New("channel closed")
	}
	p.published = append(p.published, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

var columns = []string{"id", "aggregate_type", "aggregate_id", "routing_key", "payload", "status",
	"retry_count", "next_retry_at", "created_at", "updated_at"}

func TestRepository_Enqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO outbox_events").
		WithArgs("campaign", "c-1", "campaign.parse", pgxmock.AnyArg(), StatusPending).
		WillReturnRows(mock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	event, err := NewRepository(mock).Enqueue(context.Background(), mock, "campaign", "c-1", "campaign.parse",
		map[string]string{"campaign_id": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), event.ID)
	assert.JSONEq(t, `{"campaign_id":"c-1"}`, string(event.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_ProcessPendingEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	okPayload, _ := json.Marshal(map[string]string{"campaign_id": "c-1", "trace_id": "t-1"})
	mock.ExpectQuery("FROM outbox_events").
		WithArgs(100).
		WillReturnRows(mock.NewRows(columns).
			AddRow(int64(1), "campaign", "c-1", "campaign.parse", okPayload, StatusPending, 0, nil, now, now).
			AddRow(int64(2), "campaign", "c-2", "broken.key", okPayload, StatusPending, 0, nil, now, now))
	mock.ExpectExec("SET status = 'sent'").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET retry_count = retry_count \\+ 1").
		WithArgs(int64(2), 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	pub := &fakePublisher{failKeys: map[string]bool{"broken.key": true}}
	d := NewDispatcher(NewRepository(mock), pub, zap.NewNop())

	assert.Equal(t, 1, d.ProcessPendingEvents(context.Background()))
	assert.Equal(t, []string{"campaign.parse"}, pub.published)
	assert.Equal(t, []string{"t-1"}, pub.traceIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayService_ReplayEventNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM outbox_events").
		WithArgs(int64(9)).
		WillReturnRows(mock.NewRows(columns))

	svc := NewReplayService(NewRepository(mock), &fakePublisher{}, 5, zap.NewNop())
	err = svc.ReplayEvent(context.Background(), 9)
	assert.ErrorIs(t, err, ErrEventNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayService_ReplayAggregate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	payload, _ := json.Marshal(map[string]string{"campaign_id": "c-1"})
	mock.ExpectQuery("aggregate_type = \\$1 AND aggregate_id = \\$2").
		WithArgs("campaign", "c-1").
		WillReturnRows(mock.NewRows(columns).
			AddRow(int64(3), "campaign", "c-1", "campaign.parse", payload, StatusFailed, 5, nil, now, now))
	mock.ExpectExec("SET status = 'sent'").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	pub := &fakePublisher{}
	n, err := NewReplayService(NewRepository(mock), pub, 5, zap.NewNop()).ReplayAggregate(context.Background(), "campaign", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"campaign.parse"}, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayService_ReplayAggregateNothingFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM outbox_events").
		WithArgs("campaign", "c-9").
		WillReturnRows(mock.NewRows(columns))

	_, err = NewReplayService(NewRepository(mock), &fakePublisher{}, 5, zap.NewNop()).ReplayAggregate(context.Background(), "campaign", "c-9")
	assert.ErrorIs(t, err, ErrEventNotFound)
}
