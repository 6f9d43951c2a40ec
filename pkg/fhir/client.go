package fhir

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// ResourceClient provides the CRUD interactions on resources.
type ResourceClient interface {
	// Read fetches the current version of a resource. A 404 or 410 response
	// is reported as an error matching ErrResourceNotFound.
	Read(ctx context.Context, resourceType, id string) (Resource, error)
	ReadVersion(ctx context.Context, resourceType, id, versionID string) (Resource, error)
	// ReadReferenced resolves a relative ("Type/id") or absolute reference.
	ReadReferenced(ctx context.Context, ref Reference) (Resource, error)
	Create(ctx context.Context, res Resource) (*WriteResult, error)
	// Update stores res under its id. When conditional is true the request
	// carries If-Match with the resource's meta.versionId.
	Update(ctx context.Context, res Resource, conditional bool) (*WriteResult, error)
	Patch(ctx context.Context, resourceType, id string, ops []PatchOperation) (Resource, error)
	Delete(ctx context.Context, resourceType, id string) error
}

// SearchClient provides search over one or all resource types.
type SearchClient interface {
	Search(ctx context.Context, resourceType string, params *SearchParameters) *PageStream[Resource]
	SearchAll(ctx context.Context, params *SearchParameters) *PageStream[Resource]
	// History pages through the version history of one resource.
	History(ctx context.Context, resourceType, id string) *PageStream[Resource]
}

// OperationClient provides the named operations ($everything, $match, ...).
type OperationClient interface {
	Operation(ctx context.Context, req *OperationRequest) (Resource, error)
	PatientEverything(ctx context.Context, id string) (*Bundle, error)
	EncounterEverything(ctx context.Context, id string) (*Bundle, error)
	PatientMatch(ctx context.Context, patient Resource, onlyCertainMatches bool, count int) (*Bundle, error)
	// SubscriptionStatus and SubscriptionEvents require R5.
	SubscriptionStatus(ctx context.Context, id string) (Resource, error)
	SubscriptionEvents(ctx context.Context, id string, opts *SubscriptionEventsOptions) (*Bundle, error)
}

// Client is a FHIR REST client bound to one protocol version.
type Client interface {
	ResourceClient
	SearchClient
	OperationClient

	BaseURL() *url.URL
	Version() Version

	// WithVersion returns a client for another protocol version sharing
	// request settings and credentials with this one.
	WithVersion(version Version) Client

	// Capabilities fetches the server's CapabilityStatement.
	Capabilities(ctx context.Context) (Resource, error)

	// Transaction and Batch start a grouped submission.
	Transaction() TransactionBuilder
	Batch() TransactionBuilder

	// RequestSettings returns a copy of the current request settings.
	RequestSettings() RequestSettings

	// PatchRequestSettings applies mutator to the current settings
	// atomically. Concurrent patches never lose each other's changes.
	PatchRequestSettings(mutator func(RequestSettings) RequestSettings)

	// SetRequestSettings replaces the settings wholesale.
	//
	// Deprecated: use PatchRequestSettings, which cannot discard a credential
	// refreshed concurrently.
	SetRequestSettings(settings RequestSettings)

	// SendCustomRequest builds a request with the client's HTTP client and
	// runs it through the same origin, correlation, auth and version
	// handling as every other call.
	SendCustomRequest(ctx context.Context, build func(*http.Client) (*http.Request, error)) (*Response, error)
}

// AuthCallback obtains a fresh Authorization header value, e.g. "Bearer
// abc", after the server answered 401.
type AuthCallback interface {
	Authenticate(ctx context.Context, httpClient *http.Client) (string, error)
}

// AuthCallbackFunc adapts a function to AuthCallback.
type AuthCallbackFunc func(ctx context.Context, httpClient *http.Client) (string, error)

// Authenticate implements AuthCallback.
func (f AuthCallbackFunc) Authenticate(ctx context.Context, httpClient *http.Client) (string, error) {
	return f(ctx, httpClient)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// WriteResult describes the outcome of a create or update.
type WriteResult struct {
	ID        string
	VersionID string
	Location  string
	// Created is true when the server created a new resource (201).
	Created bool
	// Resource is the returned representation, when the server sent one.
	Resource Resource
}

// Reference returns "Type/id" of the written resource.
func (w *WriteResult) Reference(resourceType string) Reference {
	return LocalReference(resourceType, w.ID)
}

// PatchOperation is one JSON Patch (RFC 6902) operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// OperationRequest describes an invocation of a named operation.
type OperationRequest struct {
	// ResourceType and ID select the level: both empty for system level,
	// type only for type level, both for instance level.
	ResourceType string
	ID           string

	// Name is the operation name without the leading "$".
	Name string

	// Method defaults to POST when Parameters is set, GET otherwise.
	Method string

	// Parameters is sent as the request body.
	Parameters Resource

	// Query is appended to the URL.
	Query *SearchParameters
}

// SubscriptionEventsOptions selects the events returned by $events.
type SubscriptionEventsOptions struct {
	EventsSinceNumber *int64
	EventsUntilNumber *int64
	// Content is "empty", "id-only" or "full-resource".
	Content string
}

// Config represents client configuration for building a fhir.Client.
//
// # Authentication precedence
//
// The following precedence is applied by the concrete client implementation
// (see pkg/fhirclient and internal/client):
//  1. AuthCallback: if set, it is invoked whenever the server answers 401.
//  2. ClientID/ClientSecret, Username/Password or RefreshToken: an OAuth2
//     callback obtains tokens from TokenURL on 401.
//  3. AccessToken: sent as a Bearer token from the first request on. It may be
//     combined with 2 so that an expired token is replaced transparently.
//  4. No credentials: requests are sent without authentication and a 401 is
//     returned to the caller as is.
//
// # Token URL discovery
//
// If OAuth2 credentials are set and TokenURL is not, fhirclient.New reads the
// SMART configuration document ("/.well-known/smart-configuration") of the
// server and uses its token_endpoint.
//
// # Guards
//
// Requests whose URL does not share the scheme, host and port of BaseURL
// are refused unless AllowOriginMismatch is set. Responses announcing a
// different major FHIR version are refused unless AllowVersionMismatch is set.
type Config struct {
	// BaseURL is the FHIR base, e.g. "https://fhir.example.com/r4b". It
	// must be an absolute http(s) URL; fhirclient.New trims a trailing slash.
	BaseURL string

	// Version selects the protocol version. The zero value means
	// DefaultVersion.
	Version Version

	// Authentication options
	// AccessToken: used directly as a Bearer token.
	AccessToken string
	// ClientID: OAuth2 client ID for the client_credentials (or other) grant.
	ClientID string
	// ClientSecret: OAuth2 client secret used with ClientID.
	ClientSecret string
	// Username: account username for the OAuth2 password grant.
	Username string
	// Password: account password for the OAuth2 password grant.
	Password string
	// RefreshToken: used for the refresh_token grant.
	RefreshToken string
	// TokenURL: full OAuth2 token endpoint.
	TokenURL string
	// Scopes: OAuth2 scopes to request.
	Scopes []string
	// AuthCallback overrides the OAuth2 credentials above.
	AuthCallback AuthCallback

	// Optional configurations
	// HTTPClient: transport to use. Defaults to a client with HTTPTimeout.
	HTTPClient *http.Client
	// HTTPTimeout: timeout of the default HTTP client.
	HTTPTimeout time.Duration
	// SkipTLSVerify: disables certificate checks of the default HTTP client.
	// fhirclient.New only honors it in development mode.
	SkipTLSVerify bool
	// RetryMax: maximum number of retries for transient failures (>=500, 429,
	// and connection errors). Negative disables retries; 0 uses the default.
	RetryMax int
	// RetryWaitMin: minimum backoff between retries.
	RetryWaitMin time.Duration
	// RetryWaitMax: maximum backoff between retries.
	RetryWaitMax time.Duration
	// RequestTimeout: per-attempt timeout stored in the request settings.
	RequestTimeout time.Duration
	// Headers: default headers stored in the request settings.
	Headers http.Header
	// AllowOriginMismatch disables the origin guard.
	AllowOriginMismatch bool
	// AllowVersionMismatch disables the version guard.
	AllowVersionMismatch bool
	// Debug: enables verbose HTTP request/response logging when a Logger is provided.
	Debug bool
	// Logger: optional structured logger used by the HTTP layer and helpers.
	Logger Logger
	// UserAgent: overrides the default User-Agent header sent by the client.
	UserAgent string
	// Interceptors: optional hooks run around every request.
	Interceptors *InterceptorChain
	// Codec: resource codec. Defaults to a JSONCodec without registered types.
	Codec Codec
	// Cache: optional read cache. Reads revalidate cached entries with
	// If-None-Match; writes invalidate them.
	Cache *CacheConfig
}
