package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/auth"
	"github.com/fivetwenty-io/fhir-client/internal/constants"
	fhirhttp "github.com/fivetwenty-io/fhir-client/internal/http"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// Client implements the fhir.Client interface. Handles created with
// WithVersion share transport, settings, credentials and cache.
type Client struct {
	httpClient *fhirhttp.Client
	codec      fhir.Codec
	cache      fhir.Cache
	cacheTTL   time.Duration
	logger     fhir.Logger
}

var _ fhir.Client = (*Client)(nil)

// New creates a FHIR client from config.
func New(_ context.Context, config *fhir.Config) (*Client, error) {
	if config == nil {
		return nil, fhir.ErrConfigRequired
	}

	baseURL, err := parseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = fhir.NopLogger()
	}

	client := &Client{
		codec:    config.Codec,
		cacheTTL: config.Cache.EffectiveTTL(),
		logger:   logger,
	}

	if client.codec == nil {
		client.codec = fhir.NewJSONCodec()
	}

	if config.Cache != nil {
		client.cache, err = fhir.NewCacheFromConfig(config.Cache)
		if err != nil {
			return nil, fmt.Errorf("creating cache: %w", err)
		}
	}

	client.httpClient = fhirhttp.NewClient(baseURL, createHTTPClientOptions(config, logger)...)

	logger.Debug("FHIR client created", map[string]interface{}{
		"base_url": baseURL.String(),
		"version":  client.httpClient.Version().String(),
		"auth":     client.httpClient.Credentials().String(),
		"cache":    config.Cache != nil,
	})

	return client, nil
}

// parseBaseURL validates an absolute http(s) base URL.
func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fhir.ErrBaseURLRequired
	}

	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fhir.ErrInvalidBaseURL, err)
	}

	if (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: %q", fhir.ErrInvalidBaseURL, raw)
	}

	if baseURL.RawQuery != "" || baseURL.Fragment != "" {
		return nil, fmt.Errorf("%w: query or fragment in %q", fhir.ErrInvalidBaseURL, raw)
	}

	return baseURL, nil
}

// createHTTPClientOptions builds HTTP client options from config.
func createHTTPClientOptions(config *fhir.Config, logger fhir.Logger) []fhirhttp.Option {
	httpOpts := []fhirhttp.Option{
		fhirhttp.WithLogger(logger),
		fhirhttp.WithDebug(config.Debug),
		fhirhttp.WithVersion(config.Version),
		fhirhttp.WithRequestSettings(createRequestSettings(config)),
		fhirhttp.WithAuthCallback(createAuthCallback(config)),
		fhirhttp.WithOriginCheck(!config.AllowOriginMismatch),
		fhirhttp.WithVersionCheck(!config.AllowVersionMismatch),
	}

	if config.UserAgent != "" {
		httpOpts = append(httpOpts, fhirhttp.WithUserAgent(config.UserAgent))
	}

	if config.Interceptors != nil {
		httpOpts = append(httpOpts, fhirhttp.WithInterceptors(config.Interceptors))
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.HTTPTimeout
		if timeout <= 0 {
			timeout = constants.DefaultHTTPTimeout
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	return append(httpOpts, fhirhttp.WithHTTPClient(httpClient))
}

// createRequestSettings builds the initial request settings from config.
func createRequestSettings(config *fhir.Config) fhir.RequestSettings {
	settings := fhir.DefaultRequestSettings()

	switch {
	case config.RetryMax < 0:
		settings.RetryMax = 0
	case config.RetryMax > 0:
		settings.RetryMax = config.RetryMax
	}

	if config.RetryWaitMin > 0 {
		settings.RetryWaitMin = config.RetryWaitMin
	}

	if config.RetryWaitMax > 0 {
		settings.RetryWaitMax = config.RetryWaitMax
	}

	settings.Timeout = config.RequestTimeout

	for key, values := range config.Headers {
		for _, value := range values {
			settings.Headers.Add(key, value)
		}
	}

	if config.AccessToken != "" {
		settings = settings.WithHeader(fhir.HeaderAuthorization, "Bearer "+config.AccessToken)
	}

	return settings
}

// createAuthCallback picks the callback run on 401 based on config. A config
// with only an AccessToken has no callback: the token is sent as is and a 401
// is returned to the caller.
func createAuthCallback(config *fhir.Config) fhir.AuthCallback {
	if config.AuthCallback != nil {
		return config.AuthCallback
	}

	oauthConfig := &auth.OAuth2Config{
		TokenURL:     config.TokenURL,
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Username:     config.Username,
		Password:     config.Password,
		RefreshToken: config.RefreshToken,
		AccessToken:  config.AccessToken,
		Scopes:       config.Scopes,
	}

	if !oauthConfig.HasGrant() {
		return nil
	}

	return auth.NewOAuth2TokenManager(oauthConfig)
}

// BaseURL implements fhir.Client.BaseURL.
func (c *Client) BaseURL() *url.URL {
	return c.httpClient.BaseURL()
}

// Version implements fhir.Client.Version.
func (c *Client) Version() fhir.Version {
	return c.httpClient.Version()
}

// WithVersion implements fhir.Client.WithVersion.
func (c *Client) WithVersion(version fhir.Version) fhir.Client {
	clone := *c
	clone.httpClient = c.httpClient.WithProtocolVersion(version)

	return &clone
}

// RequestSettings implements fhir.Client.RequestSettings.
func (c *Client) RequestSettings() fhir.RequestSettings {
	settings, _ := c.httpClient.Settings().Snapshot()

	return settings
}

// PatchRequestSettings implements fhir.Client.PatchRequestSettings.
func (c *Client) PatchRequestSettings(mutator func(fhir.RequestSettings) fhir.RequestSettings) {
	c.httpClient.Settings().Patch(mutator)
}

// SetRequestSettings implements fhir.Client.SetRequestSettings.
//
// Deprecated: use PatchRequestSettings.
func (c *Client) SetRequestSettings(settings fhir.RequestSettings) {
	c.httpClient.Settings().Replace(settings)
}

// SendCustomRequest implements fhir.Client.SendCustomRequest.
func (c *Client) SendCustomRequest(ctx context.Context, build func(*http.Client) (*http.Request, error)) (*fhir.Response, error) {
	req, err := build(c.httpClient.HTTPClient())
	if err != nil {
		return nil, fmt.Errorf("building custom request: %w", err)
	}

	if req.URL != nil && !req.URL.IsAbs() {
		req.URL, err = c.httpClient.ResolveURL(req.URL.String())
		if err != nil {
			return nil, err
		}

		req.Host = req.URL.Host
	}

	if req.Header.Get("Accept") == "" {
		if req.Header == nil {
			req.Header = http.Header{}
		}

		req.Header.Set("Accept", c.Version().MediaType)
	}

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending custom request: %w", err)
	}

	return resp, nil
}

// Cache returns the read cache, or nil when caching is off.
func (c *Client) Cache() fhir.Cache {
	return c.cache
}

// String describes the client without revealing credentials and without
// blocking on its locks.
func (c *Client) String() string {
	return c.httpClient.String()
}

// send builds and executes a request against the base URL.
func (c *Client) send(ctx context.Context, method string, target *url.URL, body []byte, header http.Header) (*fhir.Response, error) {
	contentType := header.Get("Content-Type")

	req, err := c.httpClient.NewRequest(ctx, method, target, body, contentType)
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		if key == "Content-Type" {
			continue
		}

		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	return c.httpClient.Do(ctx, req)
}

// decodeResource decodes a successful response body, or turns a failed one
// into an *fhir.OperationOutcomeError.
func (c *Client) decodeResource(resp *fhir.Response) (fhir.Resource, error) {
	if !resp.IsSuccess() {
		return nil, errorFromResponse(resp)
	}

	res, err := c.codec.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return res, nil
}

// decodeBundle decodes a successful response body as a Bundle.
func decodeBundle(resp *fhir.Response) (*fhir.Bundle, error) {
	if !resp.IsSuccess() {
		return nil, errorFromResponse(resp)
	}

	return fhir.DecodeBundle(resp.Body)
}

func errorFromResponse(resp *fhir.Response) error {
	return fhir.NewOperationOutcomeError(resp.StatusCode, resp.Body)
}

// resourcePath returns the URL segments of a resource type and id, after
// checking both are present.
func resourcePath(resourceType, id string) ([]string, error) {
	if resourceType == "" {
		return nil, fhir.ErrMissingResourceType
	}

	if id == "" {
		return nil, fmt.Errorf("%w: %s", fhir.ErrMissingResourceID, resourceType)
	}

	return []string{resourceType, id}, nil
}

// trimWeak strips the weak validator prefix and quotes from an ETag.
func trimWeak(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")

	return strings.Trim(etag, `"`)
}
