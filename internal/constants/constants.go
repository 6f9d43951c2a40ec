package constants

import "time"

// File and directory permissions.
const (
	// ConfigDirPerm is the permission for configuration directories.
	ConfigDirPerm = 0750

	// ConfigFilePerm is the permission for configuration files.
	ConfigFilePerm = 0600
)

// HTTP and network timeouts.
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ShortHTTPTimeout is used for discovery requests.
	ShortHTTPTimeout = 10 * time.Second
)

// Retry limits.
const (
	// DefaultRetryMax is the default maximum number of retries.
	DefaultRetryMax = 3

	// DefaultRetryWaitMin is the minimum wait time between retries.
	DefaultRetryWaitMin = 500 * time.Millisecond

	// DefaultRetryWaitMax is the maximum wait time between retries.
	DefaultRetryWaitMax = 10 * time.Second
)

// Cache limits.
const (
	// DefaultCacheSize is the default number of entries of a memory cache.
	DefaultCacheSize = 1000

	// DefaultCacheTTL is how long a cached read stays valid.
	DefaultCacheTTL = 5 * time.Minute
)

// Token handling.
const (
	// TokenExpirationBuffer is the buffer time before token expiration.
	TokenExpirationBuffer = 30 * time.Second
)

// HTTP headers and media types.
const (
	// HeaderCorrelationID is attached to every request.
	HeaderCorrelationID = "X-Correlation-Id"

	// HeaderIfMatch carries the expected version of a conditional update.
	HeaderIfMatch = "If-Match"

	// HeaderIfNoneMatch carries the cached ETag of a revalidated read.
	HeaderIfNoneMatch = "If-None-Match"

	// HeaderPrefer asks the server for a response representation.
	HeaderPrefer = "Prefer"

	// MediaTypeJSONPatch is the content type of JSON Patch bodies.
	MediaTypeJSONPatch = "application/json-patch+json"

	// PreferRepresentation asks the server to return the written resource.
	PreferRepresentation = "return=representation"

	// DefaultUserAgent is sent when no User-Agent is configured.
	DefaultUserAgent = "fhir-client-go/1.0"
)

// Discovery.
const (
	// SMARTConfigurationPath is the SMART App Launch discovery document.
	SMARTConfigurationPath = "/.well-known/smart-configuration"
)

// UI and display constants.
const (
	// NotAvailable is used when information is not available.
	NotAvailable = "N/A"

	// MaskedSecret is used to hide sensitive information.
	MaskedSecret = "***"

	// DefaultSearchLimit caps the number of search results the CLI prints.
	DefaultSearchLimit = 50
)

// Format constants.
const (
	// FormatJSON for JSON output format.
	FormatJSON = "json"

	// FormatYAML for YAML output format.
	FormatYAML = "yaml"

	// FormatTable for table output format.
	FormatTable = "table"
)
