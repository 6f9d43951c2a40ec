package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Client executes FHIR requests. Every request passes through the same
// pipeline: replay check, origin guard, correlation id, interceptors, retried
// send, one auth retry on 401, version guard.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	version      fhir.Version
	settings     *SettingsStore
	credentials  *CredentialCoordinator
	interceptors *fhir.InterceptorChain
	logger       fhir.Logger
	debug        bool
	userAgent    string
	checkOrigin  bool
	checkVersion bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger fhir.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDebug logs every request and response at debug level.
func WithDebug(debug bool) Option {
	return func(c *Client) {
		c.debug = debug
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithHTTPClient sets the transport.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithVersion sets the protocol version.
func WithVersion(version fhir.Version) Option {
	return func(c *Client) {
		if !version.IsZero() {
			c.version = version
		}
	}
}

// WithRequestSettings sets the initial request settings.
func WithRequestSettings(settings fhir.RequestSettings) Option {
	return func(c *Client) {
		c.settings = NewSettingsStore(settings)
	}
}

// WithRetryConfig overrides the retry part of the initial request settings.
func WithRetryConfig(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.settings.Patch(func(settings fhir.RequestSettings) fhir.RequestSettings {
			settings.RetryMax = retryMax
			settings.RetryWaitMin = waitMin
			settings.RetryWaitMax = waitMax

			return settings
		})
	}
}

// WithAuthCallback sets the callback invoked on 401.
func WithAuthCallback(callback fhir.AuthCallback) Option {
	return func(c *Client) {
		c.credentials = NewCredentialCoordinator(callback)
	}
}

// WithInterceptors sets the interceptor chain.
func WithInterceptors(chain *fhir.InterceptorChain) Option {
	return func(c *Client) {
		c.interceptors = chain
	}
}

// WithOriginCheck enables or disables the origin guard.
func WithOriginCheck(enabled bool) Option {
	return func(c *Client) {
		c.checkOrigin = enabled
	}
}

// WithVersionCheck enables or disables the version guard.
func WithVersionCheck(enabled bool) Option {
	return func(c *Client) {
		c.checkVersion = enabled
	}
}

// NewClient creates a new HTTP client for the FHIR base at baseURL.
func NewClient(baseURL *url.URL, opts ...Option) *Client {
	base := *baseURL
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawPath = ""

	client := &Client{
		baseURL:      &base,
		httpClient:   &http.Client{Timeout: constants.DefaultHTTPTimeout},
		version:      fhir.DefaultVersion,
		settings:     NewSettingsStore(fhir.DefaultRequestSettings()),
		credentials:  NewCredentialCoordinator(nil),
		logger:       fhir.NopLogger(),
		userAgent:    constants.DefaultUserAgent,
		checkOrigin:  true,
		checkVersion: true,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// WithProtocolVersion returns a client speaking version that shares
// settings, credentials and transport with c.
func (c *Client) WithProtocolVersion(version fhir.Version) *Client {
	clone := *c
	clone.version = version

	return &clone
}

// BaseURL returns a copy of the base URL.
func (c *Client) BaseURL() *url.URL {
	base := *c.baseURL

	return &base
}

// Version returns the protocol version.
func (c *Client) Version() fhir.Version {
	return c.version
}

// HTTPClient returns the transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Settings returns the shared settings store.
func (c *Client) Settings() *SettingsStore {
	return c.settings
}

// Credentials returns the shared credential coordinator.
func (c *Client) Credentials() *CredentialCoordinator {
	return c.credentials
}

// Logger returns the logger.
func (c *Client) Logger() fhir.Logger {
	return c.logger
}

// URL returns the base URL extended by the given path segments, each escaped.
func (c *Client) URL(segments ...string) *url.URL {
	target := c.BaseURL()

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		target = target.JoinPath(segment)
	}

	return target
}

// ResolveURL parses rawURL and resolves it against the base when relative.
// Paths relative to the base are appended to it; host-relative paths replace
// the base path.
func (c *Client) ResolveURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL %q: %w", rawURL, err)
	}

	if parsed.IsAbs() {
		return parsed, nil
	}

	// Server links starting with "/" already carry the base path.
	if strings.HasPrefix(parsed.Path, "/") {
		return c.baseURL.ResolveReference(parsed), nil
	}

	target := c.URL(strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")...)
	target.RawQuery = parsed.RawQuery

	return target, nil
}

// NewRequest builds a request with the version's media type. body may be nil.
func (c *Client) NewRequest(ctx context.Context, method string, target *url.URL, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", c.version.MediaType)

	if body != nil {
		if contentType == "" {
			contentType = c.version.MediaType
		}

		req.Header.Set("Content-Type", contentType)
	}

	return req, nil
}

// Do sends req and returns the fully read response. Responses with any
// status are returned as such; errors are reserved for requests that never
// produced a response the caller should see.
func (c *Client) Do(ctx context.Context, req *http.Request) (*fhir.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fhir.ErrRequestNotCloneable
	}

	if c.checkOrigin && !sameOrigin(req.URL, c.baseURL) {
		return nil, &fhir.OriginMismatchError{URL: redact(req.URL), Expected: originOf(c.baseURL)}
	}

	req = req.Clone(ctx)
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if req.Header.Get(constants.HeaderCorrelationID) == "" {
		req.Header.Set(constants.HeaderCorrelationID, uuid.NewString())
	}

	fields := map[string]interface{}{
		"method":         req.Method,
		"url":            redact(req.URL),
		"correlation_id": req.Header.Get(constants.HeaderCorrelationID),
	}

	err := c.interceptors.ExecuteRequestInterceptors(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.execute(ctx, req, fields)
	if err != nil {
		_ = c.interceptors.ExecuteResponseInterceptors(ctx, req, &fhir.Response{})

		return nil, err
	}

	err = c.interceptors.ExecuteResponseInterceptors(ctx, req, resp)
	if err != nil {
		return nil, err
	}

	if c.checkVersion {
		err = c.checkResponseVersion(resp)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (c *Client) execute(ctx context.Context, req *http.Request, fields map[string]interface{}) (*fhir.Response, error) {
	settings, generation := c.settings.Snapshot()

	resp, err := c.send(ctx, req, settings)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	retry, err := c.credentials.Refresh(ctx, c.httpClient, c.settings, generation)
	if err != nil {
		c.logger.Error("Authorization refresh failed", withField(fields, "error", err.Error()))

		return nil, err
	}

	if !retry {
		return resp, nil
	}

	c.logger.Info("Retrying request with refreshed authorization", fields)

	settings, _ = c.settings.Snapshot()

	return c.send(ctx, req, settings)
}

// send performs one logical attempt, which go-retryablehttp may repeat on
// connection errors, 429 and 5xx. settings.Timeout covers the whole sequence.
func (c *Client) send(ctx context.Context, req *http.Request, settings fhir.RequestSettings) (*fhir.Response, error) {
	if settings.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fhir.ErrRequestNotCloneable, err)
		}

		attempt.Body = body
	}

	for key, values := range settings.Headers {
		if attempt.Header.Get(key) != "" {
			continue
		}

		for _, value := range values {
			attempt.Header.Add(key, value)
		}
	}

	if c.userAgent != "" && attempt.Header.Get("User-Agent") == "" {
		attempt.Header.Set("User-Agent", c.userAgent)
	}

	retryReq, err := retryablehttp.FromRequest(attempt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fhir.ErrRequestNotCloneable, err)
	}

	if c.debug {
		c.logger.Debug("HTTP Request", map[string]interface{}{
			"method":         attempt.Method,
			"url":            redact(attempt.URL),
			"correlation_id": attempt.Header.Get(constants.HeaderCorrelationID),
		})
	}

	start := time.Now()

	httpResp, err := c.retryClient(settings).Do(retryReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", fhir.ErrTransport, attempt.Method, redact(attempt.URL), err)
	}

	defer func() {
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %w", fhir.ErrTransport, err)
	}

	if c.debug {
		c.logger.Debug("HTTP Response", map[string]interface{}{
			"status_code":    httpResp.StatusCode,
			"duration":       time.Since(start).String(),
			"correlation_id": attempt.Header.Get(constants.HeaderCorrelationID),
		})
	}

	return &fhir.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) retryClient(settings fhir.RequestSettings) *retryablehttp.Client {
	retryMax := settings.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	var logger interface{}
	if c.debug {
		logger = newLeveledLogger(c.logger)
	}

	return &retryablehttp.Client{
		HTTPClient:   c.httpClient,
		Logger:       logger,
		RetryWaitMin: settings.RetryWaitMin,
		RetryWaitMax: settings.RetryWaitMax,
		RetryMax:     retryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
}

func (c *Client) checkResponseVersion(resp *fhir.Response) error {
	observed, ok := fhir.VersionFromHeader(resp.Header)
	if !ok {
		return nil
	}

	if fhir.MajorOf(observed) != c.version.Major() {
		return &fhir.VersionMismatchError{Observed: observed, Expected: c.version.Major()}
	}

	return nil
}

// String describes the client without blocking on its locks.
func (c *Client) String() string {
	return fmt.Sprintf("Client{base_url: %s, version: %s, settings: %s, auth: %s}",
		c.baseURL, c.version, c.settings, c.credentials)
}

func sameOrigin(target, base *url.URL) bool {
	return originOf(target) == originOf(base)
}

// originOf renders scheme://host:port with the default port made explicit.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)

	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}

	return scheme + "://" + strings.ToLower(u.Hostname()) + ":" + port
}

// redact drops user info from a URL before it is logged.
func redact(u *url.URL) string {
	return u.Redacted()
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}

	merged[key] = value

	return merged
}
