package fhir_test

import (
	"testing"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleEntryResponse_StatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  string
		want    int
		wantErr bool
	}{
		{status: "201 Created", want: 201},
		{status: "200", want: 200},
		{status: " 404 Not Found ", want: 404},
		{status: "Created", wantErr: true},
		{status: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()

			code, err := (&fhir.BundleEntryResponse{Status: tt.status}).StatusCode()
			if tt.wantErr {
				require.ErrorIs(t, err, fhir.ErrMalformedBundle)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestDecodeBundle(t *testing.T) {
	t.Parallel()

	t.Run("decodes entries and links", func(t *testing.T) {
		t.Parallel()

		bundle, err := fhir.DecodeBundle([]byte(`{
			"resourceType": "Bundle",
			"type": "searchset",
			"total": 3,
			"link": [
				{"relation": "self", "url": "https://fhir.example.com/Patient?_count=1"},
				{"relation": "next", "url": "https://fhir.example.com/Patient?_count=1&_page=2"}
			],
			"entry": [
				{"fullUrl": "https://fhir.example.com/Patient/1", "resource": {"resourceType": "Patient", "id": "1"}, "search": {"mode": "match"}},
				{"resource": {"resourceType": "Organization", "id": "o1"}, "search": {"mode": "include"}}
			]
		}`))
		require.NoError(t, err)

		assert.Equal(t, fhir.BundleTypeSearchset, bundle.Type)
		require.NotNil(t, bundle.Total)
		assert.Equal(t, 3, *bundle.Total)

		next, ok := bundle.NextPageURL()
		assert.True(t, ok)
		assert.Equal(t, "https://fhir.example.com/Patient?_count=1&_page=2", next)

		self, ok := bundle.LinkURL("self")
		assert.True(t, ok)
		assert.Contains(t, self, "_count=1")

		require.Len(t, bundle.Entry, 2)
		assert.Equal(t, "Patient", bundle.Entry[0].EntryResourceType())
		assert.True(t, bundle.Entry[0].IsMatch())
		assert.False(t, bundle.Entry[1].IsMatch())
	})

	t.Run("rejects other resources", func(t *testing.T) {
		t.Parallel()

		_, err := fhir.DecodeBundle([]byte(`{"resourceType": "Patient"}`))
		require.ErrorIs(t, err, fhir.ErrMalformedBundle)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		t.Parallel()

		_, err := fhir.DecodeBundle([]byte(`{"resourceType":`))
		require.ErrorIs(t, err, fhir.ErrMalformedBundle)
	})
}

func TestBundle_NoNextLink(t *testing.T) {
	t.Parallel()

	bundle := fhir.NewBundle(fhir.BundleTypeSearchset)
	_, ok := bundle.NextPageURL()
	assert.False(t, ok)
	assert.Equal(t, "Bundle", bundle.ResourceType)

	entry := fhir.BundleEntry{}
	assert.Empty(t, entry.EntryResourceType())
	assert.True(t, entry.IsMatch())
}
