package fhir

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RequestInterceptor is called once per request before the first attempt.
// It may add headers; it must not replace the body.
type RequestInterceptor func(ctx context.Context, req *http.Request) error

// ResponseInterceptor is called with the final response of a request. When
// the request failed without a response, resp has a zero StatusCode.
type ResponseInterceptor func(ctx context.Context, req *http.Request, resp *Response) error

// InterceptorChain manages a chain of interceptors.
type InterceptorChain struct {
	mu                   sync.RWMutex
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
}

// NewInterceptorChain creates a new interceptor chain.
func NewInterceptorChain() *InterceptorChain {
	return &InterceptorChain{
		requestInterceptors:  make([]RequestInterceptor, 0),
		responseInterceptors: make([]ResponseInterceptor, 0),
	}
}

// AddRequestInterceptor adds a request interceptor to the chain.
func (c *InterceptorChain) AddRequestInterceptor(interceptor RequestInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestInterceptors = append(c.requestInterceptors, interceptor)
}

// AddResponseInterceptor adds a response interceptor to the chain.
func (c *InterceptorChain) AddResponseInterceptor(interceptor ResponseInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.responseInterceptors = append(c.responseInterceptors, interceptor)
}

// ExecuteRequestInterceptors runs all request interceptors.
func (c *InterceptorChain) ExecuteRequestInterceptors(ctx context.Context, req *http.Request) error {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	interceptors := c.requestInterceptors
	c.mu.RUnlock()

	for _, interceptor := range interceptors {
		err := interceptor(ctx, req)
		if err != nil {
			return fmt.Errorf("request interceptor failed: %w", err)
		}
	}

	return nil
}

// ExecuteResponseInterceptors runs all response interceptors.
func (c *InterceptorChain) ExecuteResponseInterceptors(ctx context.Context, req *http.Request, resp *Response) error {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	interceptors := c.responseInterceptors
	c.mu.RUnlock()

	for _, interceptor := range interceptors {
		err := interceptor(ctx, req, resp)
		if err != nil {
			return fmt.Errorf("response interceptor failed: %w", err)
		}
	}

	return nil
}

// LoggingInterceptor logs requests.
func LoggingInterceptor(logger Logger) RequestInterceptor {
	return func(ctx context.Context, req *http.Request) error {
		logger.Debug("FHIR Request", map[string]interface{}{
			"method": req.Method,
			"path":   req.URL.Path,
		})

		return nil
	}
}

// LoggingResponseInterceptor logs responses.
func LoggingResponseInterceptor(logger Logger) ResponseInterceptor {
	return func(ctx context.Context, req *http.Request, resp *Response) error {
		fields := map[string]interface{}{
			"method":      req.Method,
			"path":        req.URL.Path,
			"status_code": resp.StatusCode,
		}

		if resp.StatusCode >= http.StatusBadRequest {
			logger.Warn("FHIR Response Error", fields)
		} else {
			logger.Debug("FHIR Response", fields)
		}

		return nil
	}
}

// HeaderInterceptor adds custom headers to requests that do not set them.
func HeaderInterceptor(headers map[string]string) RequestInterceptor {
	return func(ctx context.Context, req *http.Request) error {
		for key, value := range headers {
			if req.Header.Get(key) == "" {
				req.Header.Set(key, value)
			}
		}

		return nil
	}
}

// Metrics are the counters of one endpoint.
type Metrics struct {
	TotalRequests   int64
	TotalErrors     int64
	TotalLatency    time.Duration
	AverageLatency  time.Duration
	LastRequestTime time.Time
}

// MetricsCollector collects per-endpoint request metrics. Endpoints are keyed
// by method and path, e.g. "GET /fhir/Patient/123".
type MetricsCollector struct {
	mu       sync.Mutex
	metrics  map[string]*Metrics
	started  map[*http.Request]time.Time
	onChange func(endpoint string, metrics Metrics)
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metrics),
		started: make(map[*http.Request]time.Time),
	}
}

// SetOnChange sets a callback for when metrics change.
func (m *MetricsCollector) SetOnChange(fn func(endpoint string, metrics Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onChange = fn
}

// GetMetrics returns a copy of the metrics of an endpoint.
func (m *MetricsCollector) GetMetrics(endpoint string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if metrics, ok := m.metrics[endpoint]; ok {
		return *metrics, true
	}

	return Metrics{}, false
}

// Endpoints returns every endpoint seen so far.
func (m *MetricsCollector) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]string, 0, len(m.metrics))
	for endpoint := range m.metrics {
		endpoints = append(endpoints, endpoint)
	}

	return endpoints
}

// Attach registers the collector's interceptors on chain.
func (m *MetricsCollector) Attach(chain *InterceptorChain) {
	chain.AddRequestInterceptor(m.requestInterceptor)
	chain.AddResponseInterceptor(m.responseInterceptor)
}

func (m *MetricsCollector) requestInterceptor(ctx context.Context, req *http.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started[req] = time.Now()

	return nil
}

func (m *MetricsCollector) responseInterceptor(ctx context.Context, req *http.Request, resp *Response) error {
	endpoint := req.Method + " " + req.URL.Path

	m.mu.Lock()

	metrics, ok := m.metrics[endpoint]
	if !ok {
		metrics = &Metrics{}
		m.metrics[endpoint] = metrics
	}

	metrics.TotalRequests++
	metrics.LastRequestTime = time.Now()

	if startTime, ok := m.started[req]; ok {
		delete(m.started, req)

		metrics.TotalLatency += time.Since(startTime)
		metrics.AverageLatency = metrics.TotalLatency / time.Duration(metrics.TotalRequests)
	}

	if resp.StatusCode == 0 || resp.StatusCode >= http.StatusBadRequest {
		metrics.TotalErrors++
	}

	snapshot := *metrics
	onChange := m.onChange

	m.mu.Unlock()

	if onChange != nil {
		onChange(endpoint, snapshot)
	}

	return nil
}
