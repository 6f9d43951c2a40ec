package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
)

// parameters is the Parameters resource sent to operations.
type parameters struct {
	Type      string      `json:"resourceType"`
	Parameter []parameter `json:"parameter"`
}

type parameter struct {
	Name         string          `json:"name"`
	Resource     json.RawMessage `json:"resource,omitempty"`
	ValueBoolean *bool           `json:"valueBoolean,omitempty"`
	ValueInteger *int            `json:"valueInteger,omitempty"`
}

// ResourceType implements fhir.Resource.
func (p *parameters) ResourceType() string { return p.Type }

// ResourceID implements fhir.Resource.
func (p *parameters) ResourceID() string { return "" }

// VersionID implements fhir.Resource.
func (p *parameters) VersionID() string { return "" }

// Operation implements fhir.OperationClient.Operation.
func (c *Client) Operation(ctx context.Context, req *fhir.OperationRequest) (fhir.Resource, error) {
	resp, err := c.invokeOperation(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.IsSuccess() && len(resp.Body) == 0 {
		return nil, nil //nolint:nilnil // operations may legitimately return nothing
	}

	res, err := c.decodeResource(resp)
	if err != nil {
		return nil, fmt.Errorf("invoking $%s: %w", req.Name, err)
	}

	return res, nil
}

// PatientEverything implements fhir.OperationClient.PatientEverything.
func (c *Client) PatientEverything(ctx context.Context, id string) (*fhir.Bundle, error) {
	return c.operationBundle(ctx, &fhir.OperationRequest{ResourceType: "Patient", ID: id, Name: "everything"})
}

// EncounterEverything implements fhir.OperationClient.EncounterEverything.
func (c *Client) EncounterEverything(ctx context.Context, id string) (*fhir.Bundle, error) {
	return c.operationBundle(ctx, &fhir.OperationRequest{ResourceType: "Encounter", ID: id, Name: "everything"})
}

// PatientMatch implements fhir.OperationClient.PatientMatch. count <= 0
// leaves the number of results to the server.
func (c *Client) PatientMatch(ctx context.Context, patient fhir.Resource, onlyCertainMatches bool, count int) (*fhir.Bundle, error) {
	if patient == nil || patient.ResourceType() != "Patient" {
		return nil, fmt.Errorf("%w: $match expects a Patient", fhir.ErrUnexpectedResource)
	}

	encoded, err := c.codec.Encode(patient)
	if err != nil {
		return nil, err
	}

	params := &parameters{
		Type: "Parameters",
		Parameter: []parameter{
			{Name: "resource", Resource: encoded},
			{Name: "onlyCertainMatches", ValueBoolean: &onlyCertainMatches},
		},
	}

	if count > 0 {
		params.Parameter = append(params.Parameter, parameter{Name: "count", ValueInteger: &count})
	}

	return c.operationBundle(ctx, &fhir.OperationRequest{ResourceType: "Patient", Name: "match", Parameters: params})
}

// SubscriptionStatus implements fhir.OperationClient.SubscriptionStatus. The
// server answers with a Bundle; the SubscriptionStatus entry is returned.
func (c *Client) SubscriptionStatus(ctx context.Context, id string) (fhir.Resource, error) {
	err := c.requireR5("status")
	if err != nil {
		return nil, err
	}

	bundle, err := c.operationBundle(ctx, &fhir.OperationRequest{ResourceType: "Subscription", ID: id, Name: "status"})
	if err != nil {
		return nil, err
	}

	for i := range bundle.Entry {
		if bundle.Entry[i].EntryResourceType() == "SubscriptionStatus" {
			res, err := c.codec.Decode(bundle.Entry[i].Resource)
			if err != nil {
				return nil, fmt.Errorf("decoding SubscriptionStatus: %w", err)
			}

			return res, nil
		}
	}

	return nil, fmt.Errorf("%w: no SubscriptionStatus for Subscription/%s", fhir.ErrResourceNotFound, id)
}

// SubscriptionEvents implements fhir.OperationClient.SubscriptionEvents.
func (c *Client) SubscriptionEvents(ctx context.Context, id string, opts *fhir.SubscriptionEventsOptions) (*fhir.Bundle, error) {
	err := c.requireR5("events")
	if err != nil {
		return nil, err
	}

	query := fhir.NewSearchParameters()

	if opts != nil {
		if opts.EventsSinceNumber != nil {
			query.With("eventsSinceNumber", strconv.FormatInt(*opts.EventsSinceNumber, 10))
		}

		if opts.EventsUntilNumber != nil {
			query.With("eventsUntilNumber", strconv.FormatInt(*opts.EventsUntilNumber, 10))
		}

		if opts.Content != "" {
			query.With("content", opts.Content)
		}
	}

	return c.operationBundle(ctx, &fhir.OperationRequest{ResourceType: "Subscription", ID: id, Name: "events", Query: query})
}

func (c *Client) requireR5(operation string) error {
	if c.Version().Major() != fhir.R5.Major() {
		return fmt.Errorf("%w: $%s requires %s, client speaks %s", fhir.ErrUnsupportedVersion, operation, fhir.R5, c.Version())
	}

	return nil
}

func (c *Client) operationBundle(ctx context.Context, req *fhir.OperationRequest) (*fhir.Bundle, error) {
	resp, err := c.invokeOperation(ctx, req)
	if err != nil {
		return nil, err
	}

	bundle, err := decodeBundle(resp)
	if err != nil {
		return nil, fmt.Errorf("invoking $%s: %w", req.Name, err)
	}

	return bundle, nil
}

// invokeOperation sends req at system, type or instance level.
func (c *Client) invokeOperation(ctx context.Context, req *fhir.OperationRequest) (*fhir.Response, error) {
	if req == nil || req.Name == "" {
		return nil, fhir.ErrMissingOperationName
	}

	if req.ID != "" && req.ResourceType == "" {
		return nil, fhir.ErrMissingResourceType
	}

	target := c.httpClient.URL(req.ResourceType, req.ID, "$"+req.Name)
	target.RawQuery = req.Query.Encode()

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Parameters != nil {
			method = http.MethodPost
		}
	}

	var body []byte

	if req.Parameters != nil {
		var err error

		body, err = c.codec.Encode(req.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters of $%s: %w", req.Name, err)
		}
	}

	resp, err := c.send(ctx, method, target, body, nil)
	if err != nil {
		return nil, fmt.Errorf("invoking $%s: %w", req.Name, err)
	}

	return resp, nil
}
