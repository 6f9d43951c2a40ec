package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/auth"
	"github.com/fivetwenty-io/fhir-client/internal/constants"
)

// ConfigPersister implements the auth.ConfigPersister interface.
type ConfigPersister struct {
	mutex sync.Mutex
}

var _ auth.ConfigPersister = (*ConfigPersister)(nil)

// NewConfigPersister creates a new config persister.
func NewConfigPersister() *ConfigPersister {
	return &ConfigPersister{}
}

// UpdateServerToken stores a token obtained for serverURL in the config file.
// The token is dropped when the configured server has changed meanwhile.
func (p *ConfigPersister) UpdateServerToken(serverURL, token string, expiresAt time.Time, refreshToken string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	config := loadConfig()

	if config.Server != serverURL {
		return fmt.Errorf("%w: token for %s, configured %s", constants.ErrServerChanged, serverURL, config.Server)
	}

	config.Token = token
	config.TokenExpiresAt = nil

	if !expiresAt.IsZero() {
		config.TokenExpiresAt = &expiresAt
	}

	if refreshToken != "" {
		config.RefreshToken = refreshToken
	}

	now := time.Now()
	config.LastRefreshed = &now

	return saveConfigStruct(config)
}
