package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Static errors for err113 compliance.
var (
	ErrTransport            = errors.New("transport failure")
	ErrRequestNotCloneable  = errors.New("request body cannot be replayed")
	ErrOriginMismatch       = errors.New("request URL origin does not match base URL origin")
	ErrVersionMismatch      = errors.New("server FHIR version does not match client version")
	ErrAuthCallback         = errors.New("authentication callback failed")
	ErrMalformedBundle      = errors.New("malformed bundle")
	ErrTransactionFailed    = errors.New("transaction failed")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrNoMoreItems          = errors.New("no more items")
	ErrConfigRequired       = errors.New("config is required")
	ErrBaseURLRequired      = errors.New("base URL is required")
	ErrInvalidBaseURL       = errors.New("base URL must be an absolute http(s) URL")
	ErrUnknownVersion       = errors.New("unknown FHIR version")
	ErrUnsupportedVersion   = errors.New("operation not supported by this FHIR version")
	ErrMissingResourceType  = errors.New("resource has no resourceType")
	ErrMissingResourceID    = errors.New("resource has no id")
	ErrMissingVersionID     = errors.New("resource has no meta.versionId")
	ErrInvalidReference     = errors.New("invalid reference")
	ErrUnexpectedResource   = errors.New("unexpected resource type")
	ErrMissingOperationName = errors.New("operation name is required")
)

// Credential errors.
var (
	ErrStaticTokenCannotRefresh = errors.New("static token cannot be refreshed")
	ErrNoCredentials            = errors.New("no credentials configured")
)

// OriginMismatchError is returned when a request targets a different
// scheme, host or port than the client's base URL.
type OriginMismatchError struct {
	URL      string
	Expected string
}

// Error implements the error interface.
func (e *OriginMismatchError) Error() string {
	return fmt.Sprintf("%s: %s (expected origin %s)", ErrOriginMismatch.Error(), e.URL, e.Expected)
}

// Unwrap allows errors.Is(err, ErrOriginMismatch).
func (e *OriginMismatchError) Unwrap() error {
	return ErrOriginMismatch
}

// VersionMismatchError is returned when a response announces a different
// major protocol version than the client speaks.
type VersionMismatchError struct {
	// Observed is the version string announced by the server.
	Observed string

	// Expected is the client's major version.
	Expected string
}

// Error implements the error interface.
func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: server sent %s, expected major version %s", ErrVersionMismatch.Error(), e.Observed, e.Expected)
}

// Unwrap allows errors.Is(err, ErrVersionMismatch).
func (e *VersionMismatchError) Unwrap() error {
	return ErrVersionMismatch
}

// AuthCallbackError wraps the failure of a credential refresh.
type AuthCallbackError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthCallbackError) Error() string {
	return fmt.Sprintf("%s: %v", ErrAuthCallback.Error(), e.Err)
}

// Unwrap exposes both ErrAuthCallback and the callback's own error.
func (e *AuthCallbackError) Unwrap() []error {
	return []error{ErrAuthCallback, e.Err}
}

// BundleLengthError is returned when a transaction or batch response does not
// carry exactly one entry per submitted operation.
type BundleLengthError struct {
	Sent     int
	Received int
}

// Error implements the error interface.
func (e *BundleLengthError) Error() string {
	return fmt.Sprintf("%s: sent %d entries, received %d", ErrMalformedBundle.Error(), e.Sent, e.Received)
}

// Unwrap allows errors.Is(err, ErrMalformedBundle).
func (e *BundleLengthError) Unwrap() error {
	return ErrMalformedBundle
}

// OperationOutcome is the FHIR resource servers use to report errors and
// warnings.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Issue        []OutcomeIssue `json:"issue"`
}

// OutcomeIssue is a single issue of an OperationOutcome.
type OutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// CodeableConcept is the subset of the FHIR datatype used in outcomes.
type CodeableConcept struct {
	Text string `json:"text,omitempty"`
}

// Summary joins the issue texts into one line.
func (o *OperationOutcome) Summary() string {
	if o == nil || len(o.Issue) == 0 {
		return ""
	}

	parts := make([]string, 0, len(o.Issue))

	for _, issue := range o.Issue {
		text := issue.Diagnostics
		if text == "" && issue.Details != nil {
			text = issue.Details.Text
		}

		if text == "" {
			text = issue.Code
		}

		parts = append(parts, fmt.Sprintf("%s: %s", issue.Severity, text))
	}

	return strings.Join(parts, "; ")
}

// ParseOperationOutcome parses an OperationOutcome from JSON. It returns an
// error when the document is not an OperationOutcome.
func ParseOperationOutcome(data []byte) (*OperationOutcome, error) {
	var outcome OperationOutcome

	err := json.Unmarshal(data, &outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation outcome: %w", err)
	}

	if outcome.ResourceType != "OperationOutcome" {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedResource, outcome.ResourceType)
	}

	return &outcome, nil
}

// OperationOutcomeError represents a non-success HTTP response from the
// server, with the OperationOutcome it carried when there was one.
type OperationOutcomeError struct {
	StatusCode int
	Outcome    *OperationOutcome
	Body       []byte
}

// NewOperationOutcomeError builds an error from a status code and body.
func NewOperationOutcomeError(statusCode int, body []byte) *OperationOutcomeError {
	outcome, err := ParseOperationOutcome(body)
	if err != nil {
		outcome = nil
	}

	return &OperationOutcomeError{StatusCode: statusCode, Outcome: outcome, Body: body}
}

// Error implements the error interface.
func (e *OperationOutcomeError) Error() string {
	msg := fmt.Sprintf("server responded with %d %s", e.StatusCode, http.StatusText(e.StatusCode))

	if summary := e.Outcome.Summary(); summary != "" {
		return msg + ": " + summary
	}

	return msg
}

// Unwrap maps 404 and 410 to ErrResourceNotFound.
func (e *OperationOutcomeError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone {
		return ErrResourceNotFound
	}

	return nil
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound)
}

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool {
	outcomeErr := &OperationOutcomeError{}
	if errors.As(err, &outcomeErr) {
		return outcomeErr.StatusCode == http.StatusUnauthorized
	}

	return false
}

// IsStatus checks if the error is a server response with the given status.
func IsStatus(err error, statusCode int) bool {
	outcomeErr := &OperationOutcomeError{}
	if errors.As(err, &outcomeErr) {
		return outcomeErr.StatusCode == statusCode
	}

	return false
}
