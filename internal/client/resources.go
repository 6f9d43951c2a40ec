package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// Capabilities implements fhir.Client.Capabilities.
func (c *Client) Capabilities(ctx context.Context) (fhir.Resource, error) {
	resp, err := c.send(ctx, http.MethodGet, c.httpClient.URL("metadata"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("getting capabilities: %w", err)
	}

	res, err := c.decodeResource(resp)
	if err != nil {
		return nil, fmt.Errorf("getting capabilities: %w", err)
	}

	return res, nil
}

// Read implements fhir.ResourceClient.Read.
func (c *Client) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	segments, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}

	res, err := c.read(ctx, c.httpClient.URL(segments...))
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", resourceType, id, err)
	}

	return res, nil
}

// ReadVersion implements fhir.ResourceClient.ReadVersion.
func (c *Client) ReadVersion(ctx context.Context, resourceType, id, versionID string) (fhir.Resource, error) {
	segments, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}

	if versionID == "" {
		return nil, fmt.Errorf("%w: %s/%s", fhir.ErrMissingVersionID, resourceType, id)
	}

	target := c.httpClient.URL(append(segments, "_history", versionID)...)

	res, err := c.read(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s version %s: %w", resourceType, id, versionID, err)
	}

	return res, nil
}

// ReadReferenced implements fhir.ResourceClient.ReadReferenced. Absolute
// references are fetched as they are, so the origin guard decides whether a
// foreign server may be contacted.
func (c *Client) ReadReferenced(ctx context.Context, ref fhir.Reference) (fhir.Resource, error) {
	if ref.IsPlaceholder() {
		return nil, fmt.Errorf("%w: unresolved placeholder %s", fhir.ErrInvalidReference, ref)
	}

	if ref.IsAbsolute() {
		target, err := url.Parse(ref.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fhir.ErrInvalidReference, err)
		}

		res, err := c.read(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", ref, err)
		}

		return res, nil
	}

	parts, err := ref.Parse()
	if err != nil {
		return nil, err
	}

	if parts.VersionID != "" {
		return c.ReadVersion(ctx, parts.ResourceType, parts.ID, parts.VersionID)
	}

	return c.Read(ctx, parts.ResourceType, parts.ID)
}

// read fetches target, revalidating a cached copy with If-None-Match.
func (c *Client) read(ctx context.Context, target *url.URL) (fhir.Resource, error) {
	key := cacheKey(c.Version(), target)
	header := http.Header{}

	cached := c.cachedEntry(ctx, key)
	if cached != nil {
		header.Set(constants.HeaderIfNoneMatch, cached.ETag)
	}

	resp, err := c.send(ctx, http.MethodGet, target, nil, header)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		c.logger.Debug("Serving read from cache", map[string]interface{}{"url": key, "etag": cached.ETag})

		return c.codec.Decode(cached.Data)
	}

	res, err := c.decodeResource(resp)
	if err != nil {
		if fhir.IsNotFound(err) {
			c.invalidate(ctx, target)
		}

		return nil, err
	}

	c.store(ctx, key, resp)

	return res, nil
}

// Create implements fhir.ResourceClient.Create.
func (c *Client) Create(ctx context.Context, res fhir.Resource) (*fhir.WriteResult, error) {
	if res == nil || res.ResourceType() == "" {
		return nil, fhir.ErrMissingResourceType
	}

	body, err := c.codec.Encode(res)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodPost, c.httpClient.URL(res.ResourceType()), body, preferRepresentation())
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", res.ResourceType(), err)
	}

	result, err := c.writeResult(resp)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", res.ResourceType(), err)
	}

	result.Created = true

	return result, nil
}

// Update implements fhir.ResourceClient.Update.
func (c *Client) Update(ctx context.Context, res fhir.Resource, conditional bool) (*fhir.WriteResult, error) {
	if res == nil {
		return nil, fhir.ErrMissingResourceType
	}

	segments, err := resourcePath(res.ResourceType(), res.ResourceID())
	if err != nil {
		return nil, err
	}

	header := preferRepresentation()

	if conditional {
		ifMatch, err := ifMatchOf(res)
		if err != nil {
			return nil, err
		}

		header.Set(constants.HeaderIfMatch, ifMatch)
	}

	body, err := c.codec.Encode(res)
	if err != nil {
		return nil, err
	}

	target := c.httpClient.URL(segments...)

	resp, err := c.send(ctx, http.MethodPut, target, body, header)
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", fhir.ResourceReference(res), err)
	}

	c.invalidate(ctx, target)

	result, err := c.writeResult(resp)
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", fhir.ResourceReference(res), err)
	}

	if result.ID == "" {
		result.ID = res.ResourceID()
	}

	result.Created = resp.StatusCode == http.StatusCreated

	return result, nil
}

// Patch implements fhir.ResourceClient.Patch.
func (c *Client) Patch(ctx context.Context, resourceType, id string, ops []fhir.PatchOperation) (fhir.Resource, error) {
	segments, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}

	header := preferRepresentation()
	header.Set("Content-Type", constants.MediaTypeJSONPatch)

	target := c.httpClient.URL(segments...)

	resp, err := c.send(ctx, http.MethodPatch, target, body, header)
	if err != nil {
		return nil, fmt.Errorf("patching %s/%s: %w", resourceType, id, err)
	}

	c.invalidate(ctx, target)

	if resp.IsSuccess() && len(resp.Body) == 0 {
		return c.Read(ctx, resourceType, id)
	}

	res, err := c.decodeResource(resp)
	if err != nil {
		return nil, fmt.Errorf("patching %s/%s: %w", resourceType, id, err)
	}

	return res, nil
}

// Delete implements fhir.ResourceClient.Delete.
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	segments, err := resourcePath(resourceType, id)
	if err != nil {
		return err
	}

	target := c.httpClient.URL(segments...)

	resp, err := c.send(ctx, http.MethodDelete, target, nil, nil)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", resourceType, id, err)
	}

	c.invalidate(ctx, target)

	if !resp.IsSuccess() {
		return fmt.Errorf("deleting %s/%s: %w", resourceType, id, errorFromResponse(resp))
	}

	return nil
}

// writeResult builds the result of a create or update from the Location
// header, falling back to the returned representation.
func (c *Client) writeResult(resp *fhir.Response) (*fhir.WriteResult, error) {
	if !resp.IsSuccess() {
		return nil, errorFromResponse(resp)
	}

	result := &fhir.WriteResult{Location: resp.Header.Get("Location")}
	if result.Location == "" {
		result.Location = resp.Header.Get("Content-Location")
	}

	if result.Location != "" {
		parts, err := fhir.Reference(result.Location).Parse()
		if err == nil {
			result.ID = parts.ID
			result.VersionID = parts.VersionID
		}
	}

	if len(resp.Body) > 0 {
		res, err := c.codec.Decode(resp.Body)
		if err == nil {
			result.Resource = res

			if result.ID == "" {
				result.ID = res.ResourceID()
			}

			if result.VersionID == "" {
				result.VersionID = res.VersionID()
			}
		}
	}

	if result.VersionID == "" {
		result.VersionID = trimWeak(resp.Header.Get("ETag"))
	}

	return result, nil
}

// ifMatchOf renders the If-Match value for res's current version.
func ifMatchOf(res fhir.Resource) (string, error) {
	if res.VersionID() == "" {
		return "", fmt.Errorf("%w: %s", fhir.ErrMissingVersionID, fhir.ResourceReference(res))
	}

	return fmt.Sprintf(`W/"%s"`, res.VersionID()), nil
}

func preferRepresentation() http.Header {
	header := http.Header{}
	header.Set(constants.HeaderPrefer, constants.PreferRepresentation)

	return header
}

func (c *Client) cachedEntry(ctx context.Context, key string) *fhir.CacheEntry {
	if c.cache == nil {
		return nil
	}

	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !isCacheMiss(err) {
			c.logger.Warn("Cache lookup failed", map[string]interface{}{"url": key, "error": err.Error()})
		}

		return nil
	}

	if entry.ETag == "" {
		return nil
	}

	return entry
}

func (c *Client) store(ctx context.Context, key string, resp *fhir.Response) {
	etag := resp.Header.Get("ETag")
	if c.cache == nil || etag == "" {
		return
	}

	now := time.Now()

	err := c.cache.Set(ctx, key, &fhir.CacheEntry{
		Data:         resp.Body,
		ETag:         etag,
		LastModified: resp.Header.Get("Last-Modified"),
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cacheTTL),
	})
	if err != nil {
		c.logger.Warn("Cache store failed", map[string]interface{}{"url": key, "error": err.Error()})
	}
}

// cacheKey scopes cached reads to one protocol version. Handles created
// with WithVersion share the cache, and a 304 carries no Content-Type for
// the version guard to check.
func cacheKey(version fhir.Version, target *url.URL) string {
	return version.Name + " " + target.String()
}

// invalidate drops the cached copies of target for every protocol version.
func (c *Client) invalidate(ctx context.Context, target *url.URL) {
	if c.cache == nil {
		return
	}

	for _, version := range fhir.Versions() {
		key := cacheKey(version, target)

		err := c.cache.Delete(ctx, key)
		if err != nil && !errors.Is(err, fhir.ErrCacheKeyNotFound) {
			c.logger.Warn("Cache invalidation failed", map[string]interface{}{"url": key, "error": err.Error()})
		}
	}
}

func isCacheMiss(err error) bool {
	return errors.Is(err, fhir.ErrCacheKeyNotFound) ||
		errors.Is(err, fhir.ErrCacheEntryExpired) ||
		errors.Is(err, fhir.ErrKeyNotFoundInAnyCache) ||
		errors.Is(err, fhir.ErrCacheDisabled)
}
