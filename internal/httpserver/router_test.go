package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaignmailer/pkg/jobqueue"
)

type fixedStats jobqueue.Stats

func (s fixedStats) Stats(context.Context) (jobqueue.Stats, error) { return jobqueue.Stats(s), nil }

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	r := NewRouter(zap.NewNop(), map[string]Pinger{"db": ok, "redis": ok}, nil)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/readyz").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/queue/stats").Code)

	r = NewRouter(zap.NewNop(), map[string]Pinger{"redis": down}, nil)
	w := serve(r, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis_not_ready")
}

func TestQueueStatsAndMetrics(t *testing.T) {
	r := NewRouter(zap.NewNop(), nil, fixedStats{Delayed: 4, Due: 1, Active: 2, Dead: 1})

	w := serve(r, http.MethodGet, "/queue/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats jobqueue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, jobqueue.Stats{Delayed: 4, Due: 1, Active: 2, Dead: 1}, stats)

	w = serve(r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
