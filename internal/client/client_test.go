package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/fivetwenty-io/fhir-client/internal/client"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:funlen // Test functions can be longer for comprehensive testing
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires config", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), nil)
		require.ErrorIs(t, err, fhir.ErrConfigRequired)
	})

	t.Run("requires base URL", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), &fhir.Config{})
		require.ErrorIs(t, err, fhir.ErrBaseURLRequired)
	})

	t.Run("rejects invalid base URLs", func(t *testing.T) {
		t.Parallel()

		for _, baseURL := range []string{
			"fhir.example.com/r4b",
			"ftp://fhir.example.com",
			"https://fhir.example.com/r4b?tenant=a",
			"https://",
		} {
			_, err := New(context.Background(), &fhir.Config{BaseURL: baseURL})
			require.ErrorIs(t, err, fhir.ErrInvalidBaseURL, baseURL)
		}
	})

	t.Run("creates client with access token", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{
			BaseURL:     "https://fhir.example.com/r4b",
			AccessToken: "test-token",
		})
		require.NoError(t, err)
		assert.Equal(t, "Bearer test-token", client.RequestSettings().Authorization())
		assert.Equal(t, fhir.DefaultVersion, client.Version())
		assert.Equal(t, "https://fhir.example.com/r4b", client.BaseURL().String())
	})

	t.Run("creates client with client credentials", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{
			BaseURL:      "https://fhir.example.com",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			TokenURL:     "https://auth.example.com/token",
		})
		require.NoError(t, err)
		assert.Empty(t, client.RequestSettings().Authorization())
	})

	t.Run("creates client without authentication", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{BaseURL: "http://localhost:8080/fhir"})
		require.NoError(t, err)
		assert.Nil(t, client.Cache())
	})

	t.Run("applies retry and header settings", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{
			BaseURL:        "https://fhir.example.com",
			RetryMax:       7,
			RetryWaitMin:   time.Second,
			RequestTimeout: 3 * time.Second,
			Headers:        http.Header{"X-Tenant": []string{"a"}},
		})
		require.NoError(t, err)

		settings := client.RequestSettings()
		assert.Equal(t, 7, settings.RetryMax)
		assert.Equal(t, time.Second, settings.RetryWaitMin)
		assert.Equal(t, 3*time.Second, settings.Timeout)
		assert.Equal(t, "a", settings.Headers.Get("X-Tenant"))
	})

	t.Run("negative retry max disables retries", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{BaseURL: "https://fhir.example.com", RetryMax: -1})
		require.NoError(t, err)
		assert.Zero(t, client.RequestSettings().RetryMax)
	})

	t.Run("creates memory cache", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{
			BaseURL: "https://fhir.example.com",
			Cache:   fhir.DefaultCacheConfig(),
		})
		require.NoError(t, err)
		assert.NotNil(t, client.Cache())
	})

	t.Run("rejects unknown cache type", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), &fhir.Config{
			BaseURL: "https://fhir.example.com",
			Cache:   &fhir.CacheConfig{Type: "memcached"},
		})
		require.ErrorIs(t, err, fhir.ErrUnsupportedCacheType)
	})

	t.Run("string hides credentials", func(t *testing.T) {
		t.Parallel()

		client, err := New(context.Background(), &fhir.Config{
			BaseURL:     "https://fhir.example.com",
			AccessToken: "secret-token",
		})
		require.NoError(t, err)
		assert.NotContains(t, client.String(), "secret-token")
	})
}

func TestClient_Capabilities(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	client := server.newClient(t)

	res, err := client.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CapabilityStatement", res.ResourceType())

	request := server.lastRequest()
	assert.Equal(t, "/metadata", request.Path)
	assert.Equal(t, fhir.R4B.MediaType, request.Header.Get("Accept"))
	assert.NotEmpty(t, request.Header.Get("X-Correlation-Id"))
}

func TestClient_VersionMismatch(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.setFHIRVersion(fhir.R5.Number)

	t.Run("refused by default", func(t *testing.T) {
		t.Parallel()

		_, err := server.newClient(t).Capabilities(context.Background())
		require.ErrorIs(t, err, fhir.ErrVersionMismatch)

		var mismatch *fhir.VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, fhir.R5.Number, mismatch.Observed)
	})

	t.Run("accepted by a client of that version", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t, func(config *fhir.Config) { config.Version = fhir.R5 })

		_, err := client.Capabilities(context.Background())
		require.NoError(t, err)
	})

	t.Run("accepted when allowed", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t, func(config *fhir.Config) { config.AllowVersionMismatch = true })

		_, err := client.Capabilities(context.Background())
		require.NoError(t, err)
	})
}

func TestClient_WithVersion(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.setFHIRVersion(fhir.R5.Number)

	r4b := server.newClient(t)
	r5 := r4b.WithVersion(fhir.R5)

	assert.Equal(t, fhir.R5, r5.Version())
	assert.Equal(t, fhir.R4B, r4b.Version())

	r5.PatchRequestSettings(func(settings fhir.RequestSettings) fhir.RequestSettings {
		return settings.WithHeader("X-Tenant", "shared")
	})

	assert.Equal(t, "shared", r4b.RequestSettings().Headers.Get("X-Tenant"))

	_, err := r5.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fhir.R5.MediaType, server.lastRequest().Header.Get("Accept"))
	assert.Equal(t, "shared", server.lastRequest().Header.Get("X-Tenant"))
}

func TestClient_PatchRequestSettings(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	client := server.newClient(t)

	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			client.PatchRequestSettings(func(settings fhir.RequestSettings) fhir.RequestSettings {
				return settings.WithHeader("X-Patch-"+strings.Repeat("a", i+1), "1")
			})
		}()
	}

	wg.Wait()

	assert.Len(t, client.RequestSettings().Headers, 50)
}

func TestClient_SetRequestSettings(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	client := server.newClient(t, func(config *fhir.Config) { config.AccessToken = "old" })

	//nolint:staticcheck // The deprecated replace is still supported
	client.SetRequestSettings(fhir.DefaultRequestSettings().WithHeader("X-Tenant", "b"))

	_, err := client.Capabilities(context.Background())
	require.NoError(t, err)

	request := server.lastRequest()
	assert.Empty(t, request.Header.Get("Authorization"))
	assert.Equal(t, "b", request.Header.Get("X-Tenant"))
}

func TestClient_Authentication(t *testing.T) {
	t.Parallel()

	t.Run("oauth credentials fetch a token on 401", func(t *testing.T) {
		t.Parallel()

		var tokenCalls atomic.Int32

		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenCalls.Add(1)

			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "issued",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		}))
		t.Cleanup(tokenServer.Close)

		server := newFakeServer(t)
		server.setRequiredToken("issued")

		client := server.newClient(t, func(config *fhir.Config) {
			config.ClientID = "client-id"
			config.ClientSecret = "client-secret"
			config.TokenURL = tokenServer.URL
		})

		_, err := client.Capabilities(context.Background())
		require.NoError(t, err)

		_, err = client.Capabilities(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int32(1), tokenCalls.Load())
		assert.Equal(t, "Bearer issued", client.RequestSettings().Authorization())

		requests := server.recorded()
		require.Len(t, requests, 3)
		assert.Empty(t, requests[0].Header.Get("Authorization"))
		assert.Equal(t, requests[0].Header.Get("X-Correlation-Id"), requests[1].Header.Get("X-Correlation-Id"))
	})

	t.Run("static token returns 401 to the caller", func(t *testing.T) {
		t.Parallel()

		server := newFakeServer(t)
		server.setRequiredToken("other")

		client := server.newClient(t, func(config *fhir.Config) { config.AccessToken = "stale" })

		_, err := client.Capabilities(context.Background())
		require.Error(t, err)
		assert.True(t, fhir.IsUnauthorized(err))
		assert.Len(t, server.recorded(), 1)
	})

	t.Run("concurrent 401s refresh once", func(t *testing.T) {
		t.Parallel()

		server := newFakeServer(t)
		server.setRequiredToken("fresh")

		var calls atomic.Int32

		client := server.newClient(t, func(config *fhir.Config) {
			config.AuthCallback = fhir.AuthCallbackFunc(func(context.Context, *http.Client) (string, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)

				return "Bearer fresh", nil
			})
		})

		var wg sync.WaitGroup

		errs := make([]error, 10)

		for i := range errs {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, errs[i] = client.Capabilities(context.Background())
			}()
		}

		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClient_SendCustomRequest(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.seed(fhir.NewResource("Patient", map[string]any{"id": "p1"}))

	client := server.newClient(t, func(config *fhir.Config) { config.AccessToken = "token" })

	t.Run("relative URL resolves against the base", func(t *testing.T) {
		t.Parallel()

		resp, err := client.SendCustomRequest(context.Background(), func(_ *http.Client) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, "Patient/p1", nil)
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(resp.Body), `"p1"`)
	})

	t.Run("carries client headers", func(t *testing.T) {
		t.Parallel()

		_, err := client.SendCustomRequest(context.Background(), func(_ *http.Client) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, server.URL+"/metadata", nil)
		})
		require.NoError(t, err)

		var request recordedRequest

		for _, r := range server.recorded() {
			if r.Path == "/metadata" {
				request = r
			}
		}

		assert.Equal(t, "Bearer token", request.Header.Get("Authorization"))
		assert.Equal(t, fhir.R4B.MediaType, request.Header.Get("Accept"))
		assert.NotEmpty(t, request.Header.Get("X-Correlation-Id"))
	})

	t.Run("foreign origin is refused", func(t *testing.T) {
		t.Parallel()

		_, err := client.SendCustomRequest(context.Background(), func(_ *http.Client) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, "https://elsewhere.example.com/Patient/p1", nil)
		})
		require.ErrorIs(t, err, fhir.ErrOriginMismatch)
	})
}
