package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// Static errors for err113 compliance.
var (
	ErrNoConfigPersister = errors.New("no config persister configured")
)

// ConfigPersister stores refreshed tokens, typically in the CLI config file.
type ConfigPersister interface {
	UpdateServerToken(serverURL, token string, expiresAt time.Time, refreshToken string) error
}

// ConfigTokenManager wraps OAuth2TokenManager and persists every token it
// obtains, so that the next process starts with a fresh one.
type ConfigTokenManager struct {
	oauth2Manager   *OAuth2TokenManager
	configPersister ConfigPersister
	serverURL       string
	logger          fhir.Logger
}

var _ fhir.AuthCallback = (*ConfigTokenManager)(nil)

// NewConfigTokenManager creates a config-persisting token manager.
func NewConfigTokenManager(config *OAuth2Config, configPersister ConfigPersister, serverURL string, initialExpiry time.Time) *ConfigTokenManager {
	oauth2Manager := NewOAuth2TokenManager(config)

	if config.AccessToken != "" {
		oauth2Manager.SetToken(config.AccessToken, initialExpiry)
	}

	return &ConfigTokenManager{
		oauth2Manager:   oauth2Manager,
		configPersister: configPersister,
		serverURL:       serverURL,
		logger:          fhir.NopLogger(),
	}
}

// SetLogger sets the logger used to report persistence failures.
func (m *ConfigTokenManager) SetLogger(logger fhir.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// GetToken returns a valid access token, fetching and persisting a new one
// if necessary.
func (m *ConfigTokenManager) GetToken(ctx context.Context) (string, error) {
	before := m.oauth2Manager.Token()

	token, err := m.oauth2Manager.GetToken(ctx)
	if err != nil {
		return "", err
	}

	if current := m.oauth2Manager.Token(); current != before {
		m.persist(current)
	}

	return token, nil
}

// Authenticate implements fhir.AuthCallback.
func (m *ConfigTokenManager) Authenticate(ctx context.Context, httpClient *http.Client) (string, error) {
	value, err := m.oauth2Manager.Authenticate(ctx, httpClient)
	if err != nil {
		return "", err
	}

	m.persist(m.oauth2Manager.Token())

	return value, nil
}

// IsTokenExpiringSoon returns true if the token expires within the given duration.
func (m *ConfigTokenManager) IsTokenExpiringSoon(within time.Duration) bool {
	token := m.oauth2Manager.Token()
	if token == nil {
		return true
	}

	if token.ExpiresAt.IsZero() {
		return false
	}

	return time.Now().Add(within).After(token.ExpiresAt)
}

// GetTokenExpiry returns the current token's expiration time.
func (m *ConfigTokenManager) GetTokenExpiry() time.Time {
	token := m.oauth2Manager.Token()
	if token == nil {
		return time.Time{}
	}

	return token.ExpiresAt
}

func (m *ConfigTokenManager) persist(token *Token) {
	err := m.persistToken(token)
	if err != nil {
		m.logger.Warn("Failed to persist refreshed token", map[string]interface{}{
			"server": m.serverURL,
			"error":  err.Error(),
		})
	}
}

func (m *ConfigTokenManager) persistToken(token *Token) error {
	if m.configPersister == nil {
		return ErrNoConfigPersister
	}

	if token == nil {
		return nil
	}

	err := m.configPersister.UpdateServerToken(m.serverURL, token.AccessToken, token.ExpiresAt, token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to update server token: %w", err)
	}

	return nil
}
