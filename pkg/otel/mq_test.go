package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMQHeaderCarrier_RoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := map[string]interface{}{}
	prop.Inject(ctx, NewMQHeaderCarrier(headers))
	assert.Contains(t, headers, "traceparent")

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), NewMQHeaderCarrier(headers)))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.True(t, extracted.IsRemote())
}

func TestMQHeaderCarrier_IgnoresNonStringValues(t *testing.T) {
	c := NewMQHeaderCarrier(map[string]interface{}{"traceparent": 42})
	assert.Equal(t, "", c.Get("traceparent"))
}
