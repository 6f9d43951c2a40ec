package fhir

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// PlaceholderPrefix starts every placeholder reference.
const PlaceholderPrefix = "urn:uuid:"

// Reference is a FHIR reference string: "Type/id", "Type/id/_history/vid",
// an absolute URL, or a placeholder "urn:uuid:<uuid>" standing in for a
// resource created in the same transaction.
type Reference string

// NewPlaceholder returns a fresh placeholder reference.
func NewPlaceholder() Reference {
	return Reference(PlaceholderPrefix + uuid.NewString())
}

// LocalReference returns the relative reference "Type/id".
func LocalReference(resourceType, id string) Reference {
	return Reference(resourceType + "/" + id)
}

// String returns the reference as a string.
func (r Reference) String() string {
	return string(r)
}

// IsPlaceholder reports whether r is a placeholder for a resource not yet
// created.
func (r Reference) IsPlaceholder() bool {
	return strings.HasPrefix(string(r), PlaceholderPrefix)
}

// IsAbsolute reports whether r is an absolute http(s) URL.
func (r Reference) IsAbsolute() bool {
	return strings.HasPrefix(string(r), "http://") || strings.HasPrefix(string(r), "https://")
}

// ReferenceParts is a parsed literal reference.
type ReferenceParts struct {
	ResourceType string
	ID           string
	VersionID    string
}

// Local returns "Type/id" without version or base.
func (p ReferenceParts) Local() Reference {
	return LocalReference(p.ResourceType, p.ID)
}

// Parse splits a literal reference into type, id and optional version. Base
// URLs and query strings are ignored, so the Location header of a create
// ("https://host/base/Patient/1/_history/2") parses like "Patient/1/_history/2".
func (r Reference) Parse() (ReferenceParts, error) {
	raw := string(r)
	if raw == "" || r.IsPlaceholder() {
		return ReferenceParts{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}

	if r.IsAbsolute() {
		parsed, err := url.Parse(raw)
		if err != nil {
			return ReferenceParts{}, fmt.Errorf("%w: %q: %w", ErrInvalidReference, raw, err)
		}

		raw = parsed.Path
	}

	raw, _, _ = strings.Cut(raw, "?")
	raw, _, _ = strings.Cut(raw, "#")

	segments := strings.FieldsFunc(raw, func(c rune) bool { return c == '/' })

	var parts ReferenceParts

	switch history := indexOf(segments, "_history"); {
	case history >= 2 && history+1 < len(segments):
		parts = ReferenceParts{
			ResourceType: segments[history-2],
			ID:           segments[history-1],
			VersionID:    segments[history+1],
		}
	case history < 0 && len(segments) >= 2:
		parts = ReferenceParts{
			ResourceType: segments[len(segments)-2],
			ID:           segments[len(segments)-1],
		}
	default:
		return ReferenceParts{}, fmt.Errorf("%w: %q", ErrInvalidReference, string(r))
	}

	if !isResourceTypeName(parts.ResourceType) || parts.ID == "" {
		return ReferenceParts{}, fmt.Errorf("%w: %q", ErrInvalidReference, string(r))
	}

	return parts, nil
}

func indexOf(segments []string, value string) int {
	for i, segment := range segments {
		if segment == value {
			return i
		}
	}

	return -1
}

func isResourceTypeName(name string) bool {
	if name == "" {
		return false
	}

	first := name[0]

	return first >= 'A' && first <= 'Z'
}
