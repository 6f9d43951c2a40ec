package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// plannedOperation is one operation of a transaction or batch.
type plannedOperation struct {
	kind         fhir.OperationKind
	placeholder  fhir.Reference
	resourceType string
	id           string
	resource     fhir.Resource
	ifMatch      string
}

// Transaction plans operations and submits them as one Bundle. Operations
// keep the order in which they were planned, and result i always belongs to
// operation i.
type Transaction struct {
	client     *Client
	bundleType fhir.BundleType

	mu         sync.Mutex
	operations []plannedOperation
}

var _ fhir.TransactionBuilder = (*Transaction)(nil)

// Transaction implements fhir.Client.Transaction.
func (c *Client) Transaction() fhir.TransactionBuilder {
	return &Transaction{client: c, bundleType: fhir.BundleTypeTransaction}
}

// Batch implements fhir.Client.Batch.
func (c *Client) Batch() fhir.TransactionBuilder {
	return &Transaction{client: c, bundleType: fhir.BundleTypeBatch}
}

// Create implements fhir.TransactionBuilder.Create. The returned placeholder
// is a urn:uuid reference that later operations may embed; the server
// replaces it with the identity it assigns.
func (t *Transaction) Create(res fhir.Resource) fhir.Reference {
	placeholder := fhir.NewPlaceholder()

	op := plannedOperation{kind: fhir.OperationCreate, placeholder: placeholder, resource: res}
	if res != nil {
		op.resourceType = res.ResourceType()
	}

	t.plan(op)

	return placeholder
}

// Read implements fhir.TransactionBuilder.Read.
func (t *Transaction) Read(resourceType, id string) fhir.Reference {
	ref := fhir.LocalReference(resourceType, id)
	t.plan(plannedOperation{kind: fhir.OperationRead, placeholder: ref, resourceType: resourceType, id: id})

	return ref
}

// Update implements fhir.TransactionBuilder.Update.
func (t *Transaction) Update(res fhir.Resource, conditional bool) (fhir.Reference, error) {
	if res == nil || res.ResourceType() == "" {
		return "", fhir.ErrMissingResourceType
	}

	if res.ResourceID() == "" {
		return "", fmt.Errorf("%w: %s", fhir.ErrMissingResourceID, res.ResourceType())
	}

	op := plannedOperation{
		kind:         fhir.OperationUpdate,
		placeholder:  fhir.ResourceReference(res),
		resourceType: res.ResourceType(),
		id:           res.ResourceID(),
		resource:     res,
	}

	if conditional {
		ifMatch, err := ifMatchOf(res)
		if err != nil {
			return "", err
		}

		op.ifMatch = ifMatch
	}

	t.plan(op)

	return op.placeholder, nil
}

// Delete implements fhir.TransactionBuilder.Delete.
func (t *Transaction) Delete(resourceType, id string) fhir.Reference {
	ref := fhir.LocalReference(resourceType, id)
	t.plan(plannedOperation{kind: fhir.OperationDelete, placeholder: ref, resourceType: resourceType, id: id})

	return ref
}

// Len implements fhir.TransactionBuilder.Len.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.operations)
}

func (t *Transaction) plan(op plannedOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.operations = append(t.operations, op)
}

// Send implements fhir.TransactionBuilder.Send. In transaction mode any
// failed entry fails the whole call with fhir.ErrTransactionFailed and no
// result is returned. In batch mode failed entries carry their own Err.
func (t *Transaction) Send(ctx context.Context) (*fhir.TransactionResult, error) {
	t.mu.Lock()
	operations := make([]plannedOperation, len(t.operations))
	copy(operations, t.operations)
	t.mu.Unlock()

	if len(operations) == 0 {
		return fhir.NewTransactionResult(t.responseType(), nil, nil), nil
	}

	request, err := t.encode(operations)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding %s bundle: %w", t.bundleType, err)
	}

	resp, err := t.client.send(ctx, http.MethodPost, t.client.httpClient.URL(), body, nil)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", t.bundleType, err)
	}

	if !resp.IsSuccess() {
		return nil, t.failure(errorFromResponse(resp))
	}

	response, err := fhir.DecodeBundle(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", t.bundleType, err)
	}

	if len(response.Entry) != len(operations) {
		return nil, &fhir.BundleLengthError{Sent: len(operations), Received: len(response.Entry)}
	}

	if response.Type != t.responseType() {
		t.client.logger.Warn("Unexpected bundle type in response", map[string]interface{}{
			"expected": string(t.responseType()),
			"received": string(response.Type),
		})
	}

	entries := make([]fhir.EntryResult, len(operations))

	for i := range operations {
		entries[i], err = t.correlate(i, &operations[i], &request.Entry[i], &response.Entry[i])
		if err != nil {
			return nil, err
		}
	}

	result := fhir.NewTransactionResult(response.Type, response, entries)

	t.client.logger.Info("Bundle submitted", map[string]interface{}{
		"type":    string(t.bundleType),
		"entries": len(entries),
		"failed":  len(result.Failed()),
	})

	if t.bundleType == fhir.BundleTypeTransaction {
		if entryErr := result.Err(); entryErr != nil {
			return nil, t.failure(entryErr)
		}
	}

	return result, nil
}

func (t *Transaction) responseType() fhir.BundleType {
	if t.bundleType == fhir.BundleTypeBatch {
		return fhir.BundleTypeBatchResponse
	}

	return fhir.BundleTypeTransactionResponse
}

func (t *Transaction) failure(err error) error {
	if t.bundleType == fhir.BundleTypeTransaction {
		return fmt.Errorf("%w: %w", fhir.ErrTransactionFailed, err)
	}

	return fmt.Errorf("sending %s: %w", t.bundleType, err)
}

// encode builds the request bundle, one entry per operation, same order.
func (t *Transaction) encode(operations []plannedOperation) (*fhir.Bundle, error) {
	bundle := fhir.NewBundle(t.bundleType)
	bundle.Entry = make([]fhir.BundleEntry, 0, len(operations))

	for i := range operations {
		entry, err := t.encodeEntry(&operations[i])
		if err != nil {
			return nil, fmt.Errorf("encoding entry %d: %w", i, err)
		}

		bundle.Entry = append(bundle.Entry, entry)
	}

	return bundle, nil
}

func (t *Transaction) encodeEntry(op *plannedOperation) (fhir.BundleEntry, error) {
	var entry fhir.BundleEntry

	if op.resourceType == "" {
		return entry, fhir.ErrMissingResourceType
	}

	if op.kind != fhir.OperationCreate && op.id == "" {
		return entry, fmt.Errorf("%w: %s", fhir.ErrMissingResourceID, op.resourceType)
	}

	if op.resource != nil {
		data, err := t.client.codec.Encode(op.resource)
		if err != nil {
			return entry, err
		}

		entry.Resource = data
	}

	local := fhir.LocalReference(op.resourceType, op.id).String()

	switch op.kind {
	case fhir.OperationCreate:
		entry.FullURL = op.placeholder.String()
		entry.Request = &fhir.BundleEntryRequest{Method: http.MethodPost, URL: op.resourceType}
	case fhir.OperationRead:
		entry.Request = &fhir.BundleEntryRequest{Method: http.MethodGet, URL: local}
	case fhir.OperationUpdate:
		entry.FullURL = t.client.httpClient.URL(op.resourceType, op.id).String()
		entry.Request = &fhir.BundleEntryRequest{Method: http.MethodPut, URL: local, IfMatch: op.ifMatch}
	case fhir.OperationDelete:
		entry.Request = &fhir.BundleEntryRequest{Method: http.MethodDelete, URL: local}
	}

	return entry, nil
}

// correlate builds the result of operation i from response entry i. A
// response entry without a parseable status makes the whole response
// unusable.
func (t *Transaction) correlate(index int, op *plannedOperation, sent, received *fhir.BundleEntry) (fhir.EntryResult, error) {
	result := fhir.EntryResult{
		Index:       index,
		Operation:   op.kind,
		Placeholder: op.placeholder,
		FullURL:     received.FullURL,
	}

	if received.Response == nil {
		return result, fmt.Errorf("%w: entry %d has no response", fhir.ErrMalformedBundle, index)
	}

	statusCode, err := received.Response.StatusCode()
	if err != nil {
		return result, fmt.Errorf("entry %d: %w", index, err)
	}

	result.Status = received.Response.Status
	result.StatusCode = statusCode
	result.Location = received.Response.Location
	result.ETag = received.Response.ETag

	if len(received.Response.Outcome) > 0 {
		result.Outcome, _ = fhir.ParseOperationOutcome(received.Response.Outcome)
	}

	if len(received.Resource) > 0 {
		if received.EntryResourceType() == "OperationOutcome" && result.Outcome == nil {
			result.Outcome, _ = fhir.ParseOperationOutcome(received.Resource)
		} else {
			result.Resource, err = t.client.codec.Decode(received.Resource)
			if err != nil {
				return result, fmt.Errorf("entry %d: %w", index, err)
			}
		}
	}

	if statusCode < 200 || statusCode >= 300 {
		result.Err = fmt.Errorf("entry %d (%s %s): %w", index, sent.Request.Method, sent.Request.URL,
			&fhir.OperationOutcomeError{StatusCode: statusCode, Outcome: result.Outcome, Body: received.Response.Outcome})
	}

	return result, nil
}
