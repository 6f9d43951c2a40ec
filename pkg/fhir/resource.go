package fhir

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Resource is the minimal view the client needs of a FHIR resource. Generated
// resource types implement it; RawResource covers everything else.
type Resource interface {
	ResourceType() string
	ResourceID() string
	VersionID() string
}

// RawResource is a resource held as decoded JSON.
type RawResource map[string]any

// NewResource creates a RawResource of the given type.
func NewResource(resourceType string, fields map[string]any) RawResource {
	res := make(RawResource, len(fields)+1)

	for key, value := range fields {
		res[key] = value
	}

	res["resourceType"] = resourceType

	return res
}

// ResourceType implements Resource.
func (r RawResource) ResourceType() string {
	value, _ := r["resourceType"].(string)

	return value
}

// ResourceID implements Resource.
func (r RawResource) ResourceID() string {
	value, _ := r["id"].(string)

	return value
}

// VersionID implements Resource.
func (r RawResource) VersionID() string {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return ""
	}

	value, _ := meta["versionId"].(string)

	return value
}

// SetID sets the logical id.
func (r RawResource) SetID(id string) {
	r["id"] = id
}

// SetVersionID sets meta.versionId, creating meta when needed.
func (r RawResource) SetVersionID(versionID string) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		r["meta"] = meta
	}

	meta["versionId"] = versionID
}

// ResourceReference returns the relative reference "Type/id" of res.
func ResourceReference(res Resource) Reference {
	return LocalReference(res.ResourceType(), res.ResourceID())
}

// Codec converts resources to and from their wire form.
type Codec interface {
	Encode(res Resource) ([]byte, error)
	Decode(data []byte) (Resource, error)
}

// ResourceFactory returns a new, empty value of a registered resource type.
// The value must be a pointer so that it can be unmarshalled into.
type ResourceFactory func() Resource

// JSONCodec is a Codec for the FHIR JSON format. Resource types registered
// with Register decode into their own Go type; everything else decodes into a
// RawResource.
type JSONCodec struct {
	mu        sync.RWMutex
	factories map[string]ResourceFactory
}

// NewJSONCodec creates a codec with no registered types.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{
		factories: make(map[string]ResourceFactory),
	}
}

// Register binds a resource type name to a Go type.
func (c *JSONCodec) Register(resourceType string, factory ResourceFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.factories[resourceType] = factory
}

// Encode implements Codec.
func (c *JSONCodec) Encode(res Resource) ([]byte, error) {
	if res == nil || res.ResourceType() == "" {
		return nil, ErrMissingResourceType
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", res.ResourceType(), err)
	}

	return data, nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}

	err := json.Unmarshal(data, &head)
	if err != nil {
		return nil, fmt.Errorf("decoding resource: %w", err)
	}

	if head.ResourceType == "" {
		return nil, ErrMissingResourceType
	}

	c.mu.RLock()
	factory, ok := c.factories[head.ResourceType]
	c.mu.RUnlock()

	if !ok {
		raw := RawResource{}

		err = json.Unmarshal(data, &raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.ResourceType, err)
		}

		return raw, nil
	}

	res := factory()

	err = json.Unmarshal(data, res)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", head.ResourceType, err)
	}

	return res, nil
}

// Convert returns res as T. When res is not already a T it is re-encoded as
// JSON and decoded into a new T.
func Convert[T any](res Resource) (T, error) {
	var zero T

	if typed, ok := res.(T); ok {
		return typed, nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return zero, fmt.Errorf("converting %s: %w", res.ResourceType(), err)
	}

	var typed T

	err = json.Unmarshal(data, &typed)
	if err != nil {
		return zero, fmt.Errorf("converting %s: %w", res.ResourceType(), err)
	}

	return typed, nil
}
