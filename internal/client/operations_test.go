package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PatientEverything(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.seed(patient("p1", "Chalmers"))
	server.seed(fhir.NewResource("Encounter", map[string]any{
		"id":      "e1",
		"subject": map[string]any{"reference": "Patient/p1"},
	}))
	server.seed(fhir.NewResource("Encounter", map[string]any{
		"id":      "e2",
		"subject": map[string]any{"reference": "Patient/p2"},
	}))

	client := server.newClient(t)

	bundle, err := client.PatientEverything(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, bundle.Entry, 2)
	assert.Equal(t, "Patient", bundle.Entry[0].EntryResourceType())
	assert.Equal(t, "Encounter", bundle.Entry[1].EntryResourceType())

	request := server.lastRequest()
	assert.Equal(t, http.MethodGet, request.Method)
	assert.Equal(t, "/Patient/p1/$everything", request.Path)

	bundle, err = client.EncounterEverything(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, bundle.Entry, 1)

	_, err = client.PatientEverything(context.Background(), "missing")
	assert.True(t, fhir.IsNotFound(err))
}

func TestClient_PatientMatch(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	seedPatients(server, 2)
	server.seed(fhir.NewResource("Patient", map[string]any{"id": "other", "birthDate": "1970-01-01"}))

	client := server.newClient(t)

	candidate := fhir.NewResource("Patient", map[string]any{"birthDate": "5123-05-10"})

	bundle, err := client.PatientMatch(context.Background(), candidate, true, 5)
	require.NoError(t, err)
	assert.Len(t, bundle.Entry, 2)

	request := server.lastRequest()
	assert.Equal(t, http.MethodPost, request.Method)
	assert.Equal(t, "/Patient/$match", request.Path)

	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name         string          `json:"name"`
			Resource     json.RawMessage `json:"resource"`
			ValueBoolean *bool           `json:"valueBoolean"`
			ValueInteger *int            `json:"valueInteger"`
		} `json:"parameter"`
	}

	require.NoError(t, json.Unmarshal(request.Body, &params))
	assert.Equal(t, "Parameters", params.ResourceType)
	require.Len(t, params.Parameter, 3)
	assert.Equal(t, "resource", params.Parameter[0].Name)
	assert.JSONEq(t, `{"resourceType":"Patient","birthDate":"5123-05-10"}`, string(params.Parameter[0].Resource))
	assert.True(t, *params.Parameter[1].ValueBoolean)
	assert.Equal(t, 5, *params.Parameter[2].ValueInteger)

	_, err = client.PatientMatch(context.Background(), fhir.NewResource("Encounter", nil), false, 0)
	require.ErrorIs(t, err, fhir.ErrUnexpectedResource)
}

//nolint:funlen // Test functions can be longer for comprehensive testing
func TestClient_SubscriptionOperations(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.setFHIRVersion(fhir.R5.Number)
	server.seed(fhir.NewResource("Subscription", map[string]any{"id": "s1", "status": "active"}))

	t.Run("require R5", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t)

		_, err := client.SubscriptionStatus(context.Background(), "s1")
		require.ErrorIs(t, err, fhir.ErrUnsupportedVersion)

		_, err = client.SubscriptionEvents(context.Background(), "s1", nil)
		require.ErrorIs(t, err, fhir.ErrUnsupportedVersion)
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t, func(config *fhir.Config) { config.Version = fhir.R5 })

		status, err := client.SubscriptionStatus(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "SubscriptionStatus", status.ResourceType())

		raw, ok := status.(fhir.RawResource)
		require.True(t, ok)
		assert.Equal(t, "active", raw["status"])
	})

	t.Run("status of unknown subscription", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t, func(config *fhir.Config) { config.Version = fhir.R5 })

		_, err := client.SubscriptionStatus(context.Background(), "unknown")
		require.ErrorIs(t, err, fhir.ErrResourceNotFound)
	})

	t.Run("events", func(t *testing.T) {
		t.Parallel()

		client := server.newClient(t, func(config *fhir.Config) { config.Version = fhir.R5 })

		since, until := int64(3), int64(7)

		bundle, err := client.SubscriptionEvents(context.Background(), "s1", &fhir.SubscriptionEventsOptions{
			EventsSinceNumber: &since,
			EventsUntilNumber: &until,
			Content:           "id-only",
		})
		require.NoError(t, err)
		require.Len(t, bundle.Entry, 1)

		var request recordedRequest

		for _, r := range server.recorded() {
			if r.Path == "/Subscription/s1/$events" {
				request = r
			}
		}

		assert.Equal(t, "3", request.Query.Get("eventsSinceNumber"))
		assert.Equal(t, "7", request.Query.Get("eventsUntilNumber"))
		assert.Equal(t, "id-only", request.Query.Get("content"))
	})
}

func TestClient_Operation(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.seed(patient("p1", "Chalmers"))

	client := server.newClient(t)

	t.Run("instance level", func(t *testing.T) {
		t.Parallel()

		res, err := client.Operation(context.Background(), &fhir.OperationRequest{
			ResourceType: "Patient",
			ID:           "p1",
			Name:         "everything",
			Query:        fhir.NewSearchParameters().WithCount(10),
		})
		require.NoError(t, err)
		assert.Equal(t, "Bundle", res.ResourceType())
	})

	t.Run("unknown operation reports the outcome", func(t *testing.T) {
		t.Parallel()

		_, err := client.Operation(context.Background(), &fhir.OperationRequest{Name: "reindex"})
		require.Error(t, err)
		assert.True(t, fhir.IsStatus(err, http.StatusNotFound))
		assert.Contains(t, err.Error(), "$reindex")
	})

	t.Run("validates the request", func(t *testing.T) {
		t.Parallel()

		_, err := client.Operation(context.Background(), &fhir.OperationRequest{})
		require.ErrorIs(t, err, fhir.ErrMissingOperationName)

		_, err = client.Operation(context.Background(), &fhir.OperationRequest{ID: "p1", Name: "everything"})
		require.ErrorIs(t, err, fhir.ErrMissingResourceType)
	})
}
