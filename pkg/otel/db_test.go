package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestOperation(t *testing.T) {
	assert.Equal(t, "SELECT", operation("\n  select id FROM campaigns"))
	assert.Equal(t, "WITH", operation("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "query", operation("   "))
}

func TestDBTracer_StartEnd(t *testing.T) {
	var tr DBTracer
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "UPDATE campaigns SET status = $1"})
	_, ok := ctx.Value(dbSpanKey{}).(trace.Span)
	assert.True(t, ok)

	assert.NotPanics(t, func() {
		tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})
		tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})
		tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	})
}
