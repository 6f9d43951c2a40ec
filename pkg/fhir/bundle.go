package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BundleType is the type code of a Bundle.
type BundleType string

// Bundle types used by the client.
const (
	BundleTypeTransaction         BundleType = "transaction"
	BundleTypeTransactionResponse BundleType = "transaction-response"
	BundleTypeBatch               BundleType = "batch"
	BundleTypeBatchResponse       BundleType = "batch-response"
	BundleTypeSearchset           BundleType = "searchset"
	BundleTypeHistory             BundleType = "history"
	BundleTypeCollection          BundleType = "collection"
)

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// LinkRelationNext is the relation of the link to the following page.
const LinkRelationNext = "next"

// Bundle is a container of resources, used for search results, transactions
// and batches. Entry resources are kept as raw JSON and decoded on demand.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         BundleType    `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// NewBundle creates an empty bundle of the given type.
func NewBundle(bundleType BundleType) *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: bundleType}
}

// BundleLink is a link of a Bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string               `json:"fullUrl,omitempty"`
	Resource json.RawMessage      `json:"resource,omitempty"`
	Search   *BundleEntrySearch   `json:"search,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

// BundleEntrySearch carries search metadata of an entry.
type BundleEntrySearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// BundleEntryRequest describes the operation of a transaction or batch
// entry.
type BundleEntryRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// BundleEntryResponse is the outcome of one transaction or batch entry.
type BundleEntryResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// StatusCode parses the leading HTTP status code of Status, e.g. "201 Created".
func (r *BundleEntryResponse) StatusCode() (int, error) {
	code, _, _ := strings.Cut(strings.TrimSpace(r.Status), " ")

	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("%w: entry status %q", ErrMalformedBundle, r.Status)
	}

	return status, nil
}

// LinkURL returns the URL of the first link with the given relation.
func (b *Bundle) LinkURL(relation string) (string, bool) {
	for _, link := range b.Link {
		if link.Relation == relation && link.URL != "" {
			return link.URL, true
		}
	}

	return "", false
}

// NextPageURL returns the URL of the next page of a paged bundle.
func (b *Bundle) NextPageURL() (string, bool) {
	return b.LinkURL(LinkRelationNext)
}

// EntryResourceType returns the resourceType of an entry's resource without
// decoding the rest of it.
func (e *BundleEntry) EntryResourceType() string {
	if len(e.Resource) == 0 {
		return ""
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}

	if json.Unmarshal(e.Resource, &head) != nil {
		return ""
	}

	return head.ResourceType
}

// IsMatch reports whether the entry is a primary search result. Entries
// without search metadata count as matches.
func (e *BundleEntry) IsMatch() bool {
	return e.Search == nil || e.Search.Mode == "" || e.Search.Mode == SearchModeMatch
}

// DecodeBundle parses a Bundle from JSON.
func DecodeBundle(data []byte) (*Bundle, error) {
	var bundle Bundle

	err := json.Unmarshal(data, &bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBundle, err)
	}

	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrMalformedBundle, bundle.ResourceType)
	}

	return &bundle, nil
}
