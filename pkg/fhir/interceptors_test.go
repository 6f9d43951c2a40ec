package fhir_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields map[string]interface{}) {
	l.record("debug", msg, fields)
}

func (l *recordingLogger) Info(msg string, fields map[string]interface{}) {
	l.record("info", msg, fields)
}

func (l *recordingLogger) Warn(msg string, fields map[string]interface{}) {
	l.record("warn", msg, fields)
}

func (l *recordingLogger) Error(msg string, fields map[string]interface{}) {
	l.record("error", msg, fields)
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, target, nil)
	require.NoError(t, err)

	return req
}

func TestInterceptorChain_RequestInterceptors(t *testing.T) {
	t.Parallel()

	chain := fhir.NewInterceptorChain()

	var executionOrder []string

	chain.AddRequestInterceptor(func(ctx context.Context, req *http.Request) error {
		executionOrder = append(executionOrder, "first")

		return nil
	})

	chain.AddRequestInterceptor(func(ctx context.Context, req *http.Request) error {
		executionOrder = append(executionOrder, "second")

		return nil
	})

	err := chain.ExecuteRequestInterceptors(context.Background(), newRequest(t, http.MethodGet, "https://fhir.example.com/Patient"))
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, executionOrder)
}

func TestInterceptorChain_StopsOnError(t *testing.T) {
	t.Parallel()

	chain := fhir.NewInterceptorChain()
	called := false

	chain.AddResponseInterceptor(func(context.Context, *http.Request, *fhir.Response) error {
		return errRejected
	})

	chain.AddResponseInterceptor(func(context.Context, *http.Request, *fhir.Response) error {
		called = true

		return nil
	})

	err := chain.ExecuteResponseInterceptors(context.Background(), newRequest(t, http.MethodGet, "https://fhir.example.com/Patient"), &fhir.Response{StatusCode: http.StatusOK})
	require.ErrorIs(t, err, errRejected)
	assert.False(t, called)

	var nilChain *fhir.InterceptorChain

	require.NoError(t, nilChain.ExecuteRequestInterceptors(context.Background(), nil))
	require.NoError(t, nilChain.ExecuteResponseInterceptors(context.Background(), nil, nil))
}

func TestHeaderInterceptor(t *testing.T) {
	t.Parallel()

	interceptor := fhir.HeaderInterceptor(map[string]string{
		"X-Tenant":     "north",
		"X-Request-ID": "123456",
	})

	req := newRequest(t, http.MethodGet, "https://fhir.example.com/Patient")
	req.Header.Set("X-Request-ID", "own")

	require.NoError(t, interceptor(context.Background(), req))
	assert.Equal(t, "north", req.Header.Get("X-Tenant"))
	assert.Equal(t, "own", req.Header.Get("X-Request-ID"))
}

func TestLoggingInterceptors(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	req := newRequest(t, http.MethodDelete, "https://fhir.example.com/Patient/p1")

	require.NoError(t, fhir.LoggingInterceptor(logger)(context.Background(), req))

	responses := fhir.LoggingResponseInterceptor(logger)
	require.NoError(t, responses(context.Background(), req, &fhir.Response{StatusCode: http.StatusNoContent}))
	require.NoError(t, responses(context.Background(), req, &fhir.Response{StatusCode: http.StatusConflict}))

	require.Len(t, logger.entries, 3)
	assert.Equal(t, "debug", logger.entries[0].level)
	assert.Equal(t, "/Patient/p1", logger.entries[0].fields["path"])
	assert.Equal(t, "debug", logger.entries[1].level)
	assert.Equal(t, "warn", logger.entries[2].level)
	assert.Equal(t, http.StatusConflict, logger.entries[2].fields["status_code"])
}

func TestMetricsCollector(t *testing.T) {
	t.Parallel()

	collector := fhir.NewMetricsCollector()
	chain := fhir.NewInterceptorChain()
	collector.Attach(chain)

	var changes []string

	collector.SetOnChange(func(endpoint string, _ fhir.Metrics) {
		changes = append(changes, endpoint)
	})

	ctx := context.Background()

	for _, status := range []int{http.StatusOK, http.StatusInternalServerError, 0} {
		req := newRequest(t, http.MethodGet, "https://fhir.example.com/Patient/p1")

		require.NoError(t, chain.ExecuteRequestInterceptors(ctx, req))
		require.NoError(t, chain.ExecuteResponseInterceptors(ctx, req, &fhir.Response{StatusCode: status}))
	}

	req := newRequest(t, http.MethodPost, "https://fhir.example.com/Patient")
	require.NoError(t, chain.ExecuteResponseInterceptors(ctx, req, &fhir.Response{StatusCode: http.StatusCreated}))

	metrics, ok := collector.GetMetrics("GET /Patient/p1")
	require.True(t, ok)
	assert.Equal(t, int64(3), metrics.TotalRequests)
	assert.Equal(t, int64(2), metrics.TotalErrors)
	assert.False(t, metrics.LastRequestTime.IsZero())

	created, ok := collector.GetMetrics("POST /Patient")
	require.True(t, ok)
	assert.Equal(t, int64(1), created.TotalRequests)
	assert.Zero(t, created.TotalLatency)

	_, ok = collector.GetMetrics("GET /Observation")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"GET /Patient/p1", "POST /Patient"}, collector.Endpoints())
	assert.Len(t, changes, 4)
}
