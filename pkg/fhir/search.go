package fhir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SearchParameters holds the query of a search. Values are passed through
// unchanged; the server interprets modifiers, prefixes and chains.
type SearchParameters struct {
	values url.Values
}

// NewSearchParameters creates empty search parameters.
func NewSearchParameters() *SearchParameters {
	return &SearchParameters{values: url.Values{}}
}

// ParseSearchParameters parses an encoded query string.
func ParseSearchParameters(query string) (*SearchParameters, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("parsing search parameters: %w", err)
	}

	return &SearchParameters{values: values}, nil
}

// With adds a value for name. Repeating a name ANDs the values.
func (p *SearchParameters) With(name, value string) *SearchParameters {
	p.ensure()
	p.values.Add(name, value)

	return p
}

// WithAny adds one parameter whose values are ORed.
func (p *SearchParameters) WithAny(name string, values ...string) *SearchParameters {
	return p.With(name, strings.Join(values, ","))
}

// WithCount sets _count.
func (p *SearchParameters) WithCount(count int) *SearchParameters {
	p.ensure()
	p.values.Set("_count", strconv.Itoa(count))

	return p
}

// WithSort sets _sort. Prefix a field with "-" for descending order.
func (p *SearchParameters) WithSort(fields ...string) *SearchParameters {
	p.ensure()
	p.values.Set("_sort", strings.Join(fields, ","))

	return p
}

// WithInclude adds an _include.
func (p *SearchParameters) WithInclude(include string) *SearchParameters {
	return p.With("_include", include)
}

// WithRevInclude adds a _revinclude.
func (p *SearchParameters) WithRevInclude(include string) *SearchParameters {
	return p.With("_revinclude", include)
}

// Values returns a copy of the underlying values.
func (p *SearchParameters) Values() url.Values {
	if p == nil || p.values == nil {
		return url.Values{}
	}

	clone := make(url.Values, len(p.values))
	for key, values := range p.values {
		clone[key] = append([]string(nil), values...)
	}

	return clone
}

// Encode returns the query string, sorted by key.
func (p *SearchParameters) Encode() string {
	if p == nil {
		return ""
	}

	return p.values.Encode()
}

func (p *SearchParameters) ensure() {
	if p.values == nil {
		p.values = url.Values{}
	}
}
