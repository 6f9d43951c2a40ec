// Package fhirclient provides the main entry point for creating FHIR REST clients
package fhirclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/client"
	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// SMARTConfiguration is the subset of the SMART App Launch discovery
// document the client uses.
type SMARTConfiguration struct {
	TokenEndpoint         string   `json:"token_endpoint"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	Capabilities          []string `json:"capabilities,omitempty"`
}

// New creates a new FHIR client with SMART token endpoint discovery. The
// caller's config is not modified.
func New(ctx context.Context, config *fhir.Config) (fhir.Client, error) {
	if config == nil {
		return nil, fhir.ErrConfigRequired
	}

	if config.BaseURL == "" {
		return nil, fhir.ErrBaseURLRequired
	}

	cfg := *config
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	if cfg.HTTPClient == nil && cfg.SkipTLSVerify {
		httpClient, err := createHTTPClient(true, cfg.HTTPTimeout)
		if err != nil {
			return nil, err
		}

		cfg.HTTPClient = httpClient
	}

	// OAuth2 credentials without a token URL: ask the server where to get tokens
	if needsDiscovery(&cfg) {
		discoveryClient := cfg.HTTPClient
		if discoveryClient == nil {
			discoveryClient = &http.Client{Timeout: constants.ShortHTTPTimeout}
		}

		smart, err := DiscoverSMARTConfiguration(ctx, discoveryClient, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("discovering token endpoint: %w", err)
		}

		cfg.TokenURL = smart.TokenEndpoint
	}

	fhirClient, err := client.New(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create new client: %w", err)
	}

	return fhirClient, nil
}

// needsDiscovery checks if the config carries OAuth2 credentials but no
// token URL.
func needsDiscovery(config *fhir.Config) bool {
	return config.AuthCallback == nil && config.TokenURL == "" &&
		(config.ClientID != "" || config.Username != "" || config.RefreshToken != "")
}

// isDevelopmentEnvironment checks if we're in a development environment.
func isDevelopmentEnvironment() bool {
	devMode := os.Getenv("FHIRCTL_DEV_MODE")

	return devMode == "true" || devMode == "1"
}

// createHTTPClient creates the default HTTP client, optionally without TLS
// verification.
func createHTTPClient(skipTLS bool, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	httpClient := &http.Client{Timeout: timeout}

	if skipTLS {
		// Only allow insecure TLS in explicit development environments
		if !isDevelopmentEnvironment() {
			return nil, constants.ErrSkipTLSOnlyInDev
		}

		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- Protected by development environment check above
		}
	}

	return httpClient, nil
}

// DiscoverSMARTConfiguration fetches the SMART configuration document of the
// server at baseURL.
func DiscoverSMARTConfiguration(ctx context.Context, httpClient *http.Client, baseURL string) (*SMARTConfiguration, error) {
	target := strings.TrimSuffix(baseURL, "/") + constants.SMARTConfigurationPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getting SMART configuration: %w", err)
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			// Log error but don't return it to avoid masking original error
			fmt.Fprintf(os.Stderr, "Warning: failed to close response body: %v\n", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("%w with status %d: %s", constants.ErrDiscoveryFailed, resp.StatusCode, string(body))
	}

	var smart SMARTConfiguration

	err = json.NewDecoder(resp.Body).Decode(&smart)
	if err != nil {
		return nil, fmt.Errorf("parsing SMART configuration: %w", err)
	}

	if smart.TokenEndpoint == "" {
		return nil, constants.ErrNoTokenEndpoint
	}

	return &smart, nil
}

// NewWithEndpoint creates a new client with just a base URL (no auth).
func NewWithEndpoint(ctx context.Context, baseURL string) (fhir.Client, error) {
	return New(ctx, &fhir.Config{
		BaseURL: baseURL,
	})
}

// NewWithToken creates a new client with a base URL and access token.
func NewWithToken(ctx context.Context, baseURL, token string) (fhir.Client, error) {
	return New(ctx, &fhir.Config{
		BaseURL:     baseURL,
		AccessToken: token,
	})
}

// NewWithClientCredentials creates a new client using the OAuth2 client
// credentials grant, the usual SMART backend services setup.
func NewWithClientCredentials(ctx context.Context, baseURL, clientID, clientSecret string, scopes ...string) (fhir.Client, error) {
	if clientID == "" {
		return nil, fhir.ErrNoCredentials
	}

	return New(ctx, &fhir.Config{
		BaseURL:      baseURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	})
}

// NewWithPassword creates a new client using username/password authentication.
func NewWithPassword(ctx context.Context, baseURL, username, password string) (fhir.Client, error) {
	if username == "" {
		return nil, fhir.ErrNoCredentials
	}

	return New(ctx, &fhir.Config{
		BaseURL:  baseURL,
		Username: username,
		Password: password,
	})
}
