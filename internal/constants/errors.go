package constants

import "errors"

// Configuration errors.
var (
	ErrNoServerConfigured  = errors.New("no FHIR server configured, use 'fhirctl config set server <url>'")
	ErrUnknownConfigKey    = errors.New("unknown configuration key")
	ErrTokenFieldsReadOnly = errors.New("token fields cannot be set via config command, use 'fhirctl login'")
	ErrNoClientID          = errors.New("no client ID given, use --client-id or 'fhirctl config set client_id <id>'")
	ErrServerChanged       = errors.New("configured server changed since the token was requested")
	ErrNotLoggedIn         = errors.New("not logged in, use 'fhirctl login'")
)

// Discovery errors.
var (
	ErrDiscoveryFailed  = errors.New("SMART configuration request failed")
	ErrNoTokenEndpoint  = errors.New("no token_endpoint in SMART configuration")
	ErrSkipTLSOnlyInDev = errors.New("skipTLS is only allowed in development environments (set FHIRCTL_DEV_MODE=true)")
)

// Transaction file errors.
var (
	ErrEmptyOperation     = errors.New("operation has no create, read, update or delete section")
	ErrAmbiguousOperation = errors.New("operation has more than one of create, read, update or delete")
	ErrUnknownAlias       = errors.New("unknown placeholder alias")
	ErrDuplicateAlias     = errors.New("placeholder alias defined twice")
	ErrInvalidMode        = errors.New("mode must be 'transaction' or 'batch'")
	ErrTypeAndIDRequired  = errors.New("type and id are required")
	ErrResourceRequired   = errors.New("resource is required")
	ErrEntriesFailed      = errors.New("batch entries failed")
)

// Argument errors.
var (
	ErrInvalidSearchArgument = errors.New("search arguments must be name=value")
	ErrInvalidOutputFormat   = errors.New("invalid output format")
)
