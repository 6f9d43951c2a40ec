package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// Search implements fhir.SearchClient.Search. The first page is requested on
// the first call to Next of the returned stream.
func (c *Client) Search(ctx context.Context, resourceType string, params *fhir.SearchParameters) *fhir.PageStream[fhir.Resource] {
	if resourceType == "" {
		return c.failedStream(ctx, fhir.ErrMissingResourceType)
	}

	target := c.httpClient.URL(resourceType)
	target.RawQuery = params.Encode()

	return fhir.NewPageStream(ctx, c, target.String(), c.decodeMatch)
}

// SearchAll implements fhir.SearchClient.SearchAll.
func (c *Client) SearchAll(ctx context.Context, params *fhir.SearchParameters) *fhir.PageStream[fhir.Resource] {
	target := c.httpClient.URL()
	target.RawQuery = params.Encode()

	return fhir.NewPageStream(ctx, c, target.String(), c.decodeMatch)
}

// History implements fhir.SearchClient.History. Entries of deleted versions
// carry no resource and are skipped.
func (c *Client) History(ctx context.Context, resourceType, id string) *fhir.PageStream[fhir.Resource] {
	segments, err := resourcePath(resourceType, id)
	if err != nil {
		return c.failedStream(ctx, err)
	}

	target := c.httpClient.URL(append(segments, "_history")...)

	return fhir.NewPageStream(ctx, c, target.String(), c.decodeMatch)
}

// FetchPage implements fhir.PageFetcher. pageURL may be relative to the
// base; absolute next links go through the origin guard like any request.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*fhir.Bundle, error) {
	target, err := c.httpClient.ResolveURL(pageURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}

	bundle, err := decodeBundle(resp)
	if err != nil {
		return nil, fmt.Errorf("reading page: %w", err)
	}

	return bundle, nil
}

// decodeMatch decodes primary results and skips included resources and
// outcome entries.
func (c *Client) decodeMatch(entry *fhir.BundleEntry) (fhir.Resource, bool, error) {
	if !entry.IsMatch() || len(entry.Resource) == 0 {
		return nil, false, nil
	}

	res, err := c.codec.Decode(entry.Resource)
	if err != nil {
		return nil, false, err
	}

	return res, true, nil
}

// failedStream returns a stream whose first Next fails with err.
func (c *Client) failedStream(ctx context.Context, err error) *fhir.PageStream[fhir.Resource] {
	fetcher := fhir.PageFetcherFunc(func(context.Context, string) (*fhir.Bundle, error) {
		return nil, err
	})

	return fhir.NewPageStream(ctx, fetcher, "invalid", c.decodeMatch)
}
