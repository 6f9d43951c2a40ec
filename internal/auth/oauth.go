package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Static errors for err113 compliance.
var (
	ErrNoValidCredentials = errors.New("no valid credentials available")
	ErrNoTokenURL         = errors.New("no token URL configured")
)

// OAuth2Config holds the credentials used to obtain tokens.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	RefreshToken string
	AccessToken  string
	Scopes       []string
}

// HasGrant reports whether the config can obtain a token from TokenURL.
func (c *OAuth2Config) HasGrant() bool {
	return c.RefreshToken != "" || c.Username != "" || c.ClientID != ""
}

// OAuth2TokenManager obtains and caches tokens. It implements
// fhir.AuthCallback, so it can be installed directly on a client.
type OAuth2TokenManager struct {
	config *OAuth2Config
	store  *TokenStore
	mu     sync.Mutex
}

var _ fhir.AuthCallback = (*OAuth2TokenManager)(nil)

// NewOAuth2TokenManager creates a manager. A configured AccessToken becomes
// the initial token.
func NewOAuth2TokenManager(config *OAuth2Config) *OAuth2TokenManager {
	manager := &OAuth2TokenManager{
		config: config,
		store:  NewTokenStore(),
	}

	if config.AccessToken != "" {
		manager.store.Set(&Token{
			AccessToken:  config.AccessToken,
			TokenType:    "bearer",
			RefreshToken: config.RefreshToken,
		})
	}

	return manager
}

// NewSMARTTokenManager creates a client-credentials manager for a SMART
// backend service.
func NewSMARTTokenManager(tokenURL, clientID, clientSecret string, scopes ...string) *OAuth2TokenManager {
	if len(scopes) == 0 {
		scopes = []string{"system/*.read"}
	}

	return NewOAuth2TokenManager(&OAuth2Config{
		TokenURL:     strings.TrimRight(tokenURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	})
}

// GetToken returns a valid access token, fetching a new one if necessary.
func (m *OAuth2TokenManager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token := m.store.Get(); token.Valid() {
		return token.AccessToken, nil
	}

	token, err := m.fetch(ctx)
	if err != nil {
		return "", err
	}

	return token.AccessToken, nil
}

// RefreshToken forces a new token to be fetched.
func (m *OAuth2TokenManager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.fetch(ctx)

	return err
}

// SetToken manually sets the access token.
func (m *OAuth2TokenManager) SetToken(token string, expiresAt time.Time) {
	current := m.store.Get()

	refreshToken := m.config.RefreshToken
	if current != nil && current.RefreshToken != "" {
		refreshToken = current.RefreshToken
	}

	m.store.Set(&Token{
		AccessToken:  token,
		TokenType:    "bearer",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})
}

// Token returns the current token, or nil.
func (m *OAuth2TokenManager) Token() *Token {
	return m.store.Get()
}

// Authenticate implements fhir.AuthCallback. The server has rejected the
// current token, so a new one is always fetched, using httpClient for the
// token request.
func (m *OAuth2TokenManager) Authenticate(ctx context.Context, httpClient *http.Client) (string, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.fetch(ctx)
	if err != nil {
		return "", err
	}

	return token.AuthorizationValue(), nil
}

// fetch obtains a token with the first grant the config allows: refresh
// token, then password, then client credentials. Callers hold m.mu.
func (m *OAuth2TokenManager) fetch(ctx context.Context) (*Token, error) {
	if !m.config.HasGrant() {
		if m.config.AccessToken != "" {
			return nil, fhir.ErrStaticTokenCannotRefresh
		}

		return nil, ErrNoValidCredentials
	}

	if m.config.TokenURL == "" {
		return nil, ErrNoTokenURL
	}

	var result *multierror.Error

	if refreshToken := m.refreshToken(); refreshToken != "" {
		token, err := m.refreshGrant(ctx, refreshToken)
		if err == nil {
			return m.keep(token), nil
		}

		result = multierror.Append(result, err)
	}

	var (
		token *oauth2.Token
		err   error
	)

	switch {
	case m.config.Username != "":
		token, err = m.passwordGrant(ctx)
	case m.config.ClientID != "":
		token, err = m.clientCredentialsGrant(ctx)
	default:
		return nil, result.ErrorOrNil()
	}

	if err != nil {
		return nil, multierror.Append(result, err).ErrorOrNil()
	}

	return m.keep(token), nil
}

func (m *OAuth2TokenManager) refreshToken() string {
	if current := m.store.Get(); current != nil && current.RefreshToken != "" {
		return current.RefreshToken
	}

	return m.config.RefreshToken
}

func (m *OAuth2TokenManager) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.config.ClientID,
		ClientSecret: m.config.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.config.TokenURL},
		Scopes:       m.config.Scopes,
	}
}

func (m *OAuth2TokenManager) refreshGrant(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	token, err := m.oauth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return token, nil
}

func (m *OAuth2TokenManager) passwordGrant(ctx context.Context) (*oauth2.Token, error) {
	token, err := m.oauth2Config().PasswordCredentialsToken(ctx, m.config.Username, m.config.Password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}

	return token, nil
}

func (m *OAuth2TokenManager) clientCredentialsGrant(ctx context.Context) (*oauth2.Token, error) {
	config := &clientcredentials.Config{
		ClientID:     m.config.ClientID,
		ClientSecret: m.config.ClientSecret,
		TokenURL:     m.config.TokenURL,
		Scopes:       m.config.Scopes,
	}

	token, err := config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials grant: %w", err)
	}

	return token, nil
}

// keep stores token, carrying the previous refresh token forward when the
// server did not issue a new one.
func (m *OAuth2TokenManager) keep(token *oauth2.Token) *Token {
	converted := tokenFromOAuth2(token)
	if converted.RefreshToken == "" {
		converted.RefreshToken = m.refreshToken()
	}

	m.store.Set(converted)

	return converted
}
