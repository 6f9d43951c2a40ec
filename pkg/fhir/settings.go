package fhir

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
)

// HeaderAuthorization is the header holding the cached credential.
const HeaderAuthorization = "Authorization"

// RequestSettings are the per-client defaults applied to every request. A
// client hands out copies; changes go through Client.PatchRequestSettings.
type RequestSettings struct {
	// RetryMax is the number of retries after the first attempt for
	// connection errors, 429 and 5xx responses. Zero disables retries.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds one request including its transport retries and
	// reading the body. The resend after a refreshed authorization gets a
	// fresh deadline. Zero means no timeout beyond the context and the HTTP
	// client.
	Timeout time.Duration

	// Headers are added to every request that does not set them itself.
	Headers http.Header
}

// DefaultRequestSettings returns the settings used when a Config sets none.
func DefaultRequestSettings() RequestSettings {
	return RequestSettings{
		RetryMax:     constants.DefaultRetryMax,
		RetryWaitMin: constants.DefaultRetryWaitMin,
		RetryWaitMax: constants.DefaultRetryWaitMax,
		Headers:      http.Header{},
	}
}

// Clone returns a deep copy.
func (s RequestSettings) Clone() RequestSettings {
	clone := s
	if s.Headers != nil {
		clone.Headers = s.Headers.Clone()
	} else {
		clone.Headers = http.Header{}
	}

	return clone
}

// WithHeader returns a copy with the header set.
func (s RequestSettings) WithHeader(key, value string) RequestSettings {
	clone := s.Clone()
	clone.Headers.Set(key, value)

	return clone
}

// WithoutHeader returns a copy with the header removed.
func (s RequestSettings) WithoutHeader(key string) RequestSettings {
	clone := s.Clone()
	clone.Headers.Del(key)

	return clone
}

// Authorization returns the cached Authorization header value.
func (s RequestSettings) Authorization() string {
	if s.Headers == nil {
		return ""
	}

	return s.Headers.Get(HeaderAuthorization)
}

// String renders the settings with the Authorization value masked.
func (s RequestSettings) String() string {
	keys := make([]string, 0, len(s.Headers))
	for key := range s.Headers {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	headers := make([]string, 0, len(keys))

	for _, key := range keys {
		value := strings.Join(s.Headers[key], ",")
		if http.CanonicalHeaderKey(key) == HeaderAuthorization {
			value = "<redacted>"
		}

		headers = append(headers, key+": "+value)
	}

	return fmt.Sprintf("RequestSettings{retry_max: %d, retry_wait: %s..%s, timeout: %s, headers: [%s]}",
		s.RetryMax, s.RetryWaitMin, s.RetryWaitMax, s.Timeout, strings.Join(headers, ", "))
}
