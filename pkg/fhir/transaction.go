package fhir

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// TransactionBuilder plans a group of operations sent as one Bundle.
// Operations are submitted in the order they were planned and their results
// come back in the same order.
type TransactionBuilder interface {
	// Create plans a create and returns the placeholder standing in for the
	// new resource. The placeholder may be used as a reference by resources
	// planned later in the same builder.
	Create(res Resource) Reference

	// Read plans a read of Type/id.
	Read(resourceType, id string) Reference

	// Update plans an update of res. With conditional set, res must carry
	// meta.versionId and the entry is sent with ifMatch.
	Update(res Resource, conditional bool) (Reference, error)

	// Delete plans a delete of Type/id.
	Delete(resourceType, id string) Reference

	// Len returns the number of planned operations.
	Len() int

	// Send submits the bundle.
	Send(ctx context.Context) (*TransactionResult, error)
}

// OperationKind is the kind of a planned operation.
type OperationKind string

// Operation kinds.
const (
	OperationCreate OperationKind = "create"
	OperationRead   OperationKind = "read"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// EntryResult is the outcome of one planned operation.
type EntryResult struct {
	// Index is the position of the operation in the builder.
	Index int

	Operation OperationKind

	// Placeholder is the reference returned when the operation was planned.
	Placeholder Reference

	// Status is the raw response status, e.g. "201 Created".
	Status     string
	StatusCode int
	Location   string
	ETag       string
	FullURL    string

	// Resource is the returned resource, if any.
	Resource Resource

	// Outcome is the OperationOutcome the server attached, if any.
	Outcome *OperationOutcome

	// Err is set when the entry failed.
	Err error
}

// Succeeded reports whether the entry has a 2xx status and no error.
func (e *EntryResult) Succeeded() bool {
	return e.Err == nil && e.StatusCode >= 200 && e.StatusCode < 300
}

// Reference returns the server identity of the entry's resource, from
// Location, then fullUrl, then the planned reference for operations on known
// resources.
func (e *EntryResult) Reference() (Reference, bool) {
	for _, candidate := range []string{e.Location, e.FullURL} {
		if candidate == "" || Reference(candidate).IsPlaceholder() {
			continue
		}

		parts, err := Reference(candidate).Parse()
		if err == nil {
			return parts.Local(), true
		}
	}

	if e.Placeholder != "" && !e.Placeholder.IsPlaceholder() {
		return e.Placeholder, true
	}

	return "", false
}

// TransactionResult holds the per-operation results of a submitted bundle.
type TransactionResult struct {
	Type    BundleType
	Entries []EntryResult
	Bundle  *Bundle

	resolved map[Reference]Reference
}

// NewTransactionResult indexes entries by placeholder.
func NewTransactionResult(bundleType BundleType, bundle *Bundle, entries []EntryResult) *TransactionResult {
	resolved := make(map[Reference]Reference, len(entries))

	for i := range entries {
		entry := &entries[i]
		if !entry.Placeholder.IsPlaceholder() {
			continue
		}

		if ref, ok := entry.Reference(); ok {
			resolved[entry.Placeholder] = ref
		}
	}

	return &TransactionResult{
		Type:     bundleType,
		Entries:  entries,
		Bundle:   bundle,
		resolved: resolved,
	}
}

// Resolve maps a placeholder returned by the builder to the "Type/id"
// assigned by the server.
func (r *TransactionResult) Resolve(placeholder Reference) (Reference, bool) {
	ref, ok := r.resolved[placeholder]

	return ref, ok
}

// Err aggregates the errors of all failed entries, or returns nil.
func (r *TransactionResult) Err() error {
	var result *multierror.Error

	for i := range r.Entries {
		if r.Entries[i].Err != nil {
			result = multierror.Append(result, r.Entries[i].Err)
		}
	}

	return result.ErrorOrNil()
}

// Failed returns the entries that did not succeed.
func (r *TransactionResult) Failed() []EntryResult {
	var failed []EntryResult

	for i := range r.Entries {
		if !r.Entries[i].Succeeded() {
			failed = append(failed, r.Entries[i])
		}
	}

	return failed
}
