package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"golang.org/x/oauth2"
)

// Token represents an OAuth2 token as returned by a token endpoint.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"-"`
}

// Valid reports whether the token can still be sent. A token expiring within
// constants.TokenExpirationBuffer is treated as expired.
func (t *Token) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.ExpiresAt.IsZero() {
		return true
	}

	return time.Now().Add(constants.TokenExpirationBuffer).Before(t.ExpiresAt)
}

// AuthorizationValue renders the token as an Authorization header value.
func (t *Token) AuthorizationValue() string {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}

	return tokenType + " " + t.AccessToken
}

func tokenFromOAuth2(token *oauth2.Token) *Token {
	converted := &Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}

	if !token.Expiry.IsZero() {
		converted.ExpiresIn = int(time.Until(token.Expiry).Seconds())
	}

	if scope, ok := token.Extra("scope").(string); ok {
		converted.Scope = scope
	}

	return converted
}

// TokenStore holds the current token and is safe for concurrent use.
type TokenStore struct {
	mu    sync.RWMutex
	token *Token
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Get returns the current token, or nil.
func (s *TokenStore) Get() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// Set replaces the current token.
func (s *TokenStore) Set(token *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// Clear removes the current token.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
}
