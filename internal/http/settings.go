package http

import (
	"sync"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// SettingsStore holds the request settings shared by every handle of a
// client. Readers take snapshots; writers patch under the lock so that
// concurrent updates compose.
type SettingsStore struct {
	mu       sync.Mutex
	settings fhir.RequestSettings

	// authGeneration increases whenever the Authorization header changes.
	authGeneration uint64
}

// NewSettingsStore creates a store holding a copy of initial.
func NewSettingsStore(initial fhir.RequestSettings) *SettingsStore {
	return &SettingsStore{settings: initial.Clone()}
}

// Snapshot returns a deep copy of the current settings and the current auth
// generation.
func (s *SettingsStore) Snapshot() (fhir.RequestSettings, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settings.Clone(), s.authGeneration
}

// Patch replaces the settings with mutator(current). The lock is held only
// while mutator runs, so mutator must not call back into the store.
func (s *SettingsStore) Patch(mutator func(fhir.RequestSettings) fhir.RequestSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.settings.Authorization()
	s.settings = mutator(s.settings.Clone()).Clone()

	if s.settings.Authorization() != previous {
		s.authGeneration++
	}
}

// SetAuthorization stores a freshly obtained Authorization value. The auth
// generation always advances, even when the value is unchanged.
func (s *SettingsStore) SetAuthorization(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = s.settings.WithHeader(fhir.HeaderAuthorization, value)
	s.authGeneration++
}

// Replace overwrites the settings wholesale.
//
// Deprecated: a credential refreshed by a concurrent request is lost. Use
// Patch.
func (s *SettingsStore) Replace(settings fhir.RequestSettings) {
	s.Patch(func(fhir.RequestSettings) fhir.RequestSettings {
		return settings
	})
}

// String renders the settings without blocking. While another goroutine
// holds the lock it renders "<in use>".
func (s *SettingsStore) String() string {
	if !s.mu.TryLock() {
		return "RequestSettings(<in use>)"
	}
	defer s.mu.Unlock()

	return s.settings.String()
}
