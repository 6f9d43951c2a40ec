package fhir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/hashicorp/go-multierror"
)

// CacheType represents the type of cache backend.
type CacheType string

const (
	// CacheTypeMemory represents in-memory cache.
	CacheTypeMemory CacheType = "memory"

	// CacheTypeNATS represents NATS KV cache.
	CacheTypeNATS CacheType = "nats"

	// CacheTypeTiered is a memory cache in front of a NATS KV cache.
	CacheTypeTiered CacheType = "tiered"

	// CacheTypeNone represents no caching.
	CacheTypeNone CacheType = "none"
)

// Static errors for err113 compliance.
var (
	ErrNATSConfigRequired    = errors.New("NATS configuration required for NATS cache")
	ErrUnsupportedCacheType  = errors.New("unsupported cache type")
	ErrCacheDisabled         = errors.New("cache disabled")
	ErrKeyNotFoundInAnyCache = errors.New("key not found in any cache")
)

// CacheConfig configures the read cache backend.
type CacheConfig struct {
	// Type is the cache backend type
	Type CacheType

	// TTL is how long a cached read is kept for revalidation with
	// If-None-Match. Zero uses the default.
	TTL time.Duration

	// Memory cache configuration
	Memory *MemoryCacheConfig

	// NATS KV cache configuration
	NATS *NATSKVConfig
}

// MemoryCacheConfig configures memory cache.
type MemoryCacheConfig struct {
	// MaxSize is the maximum number of items in the cache
	MaxSize int
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Type: CacheTypeMemory,
		TTL:  constants.DefaultCacheTTL,
		Memory: &MemoryCacheConfig{
			MaxSize: constants.DefaultCacheSize,
		},
	}
}

// EffectiveTTL returns TTL or the default.
func (c *CacheConfig) EffectiveTTL() time.Duration {
	if c == nil || c.TTL <= 0 {
		return constants.DefaultCacheTTL
	}

	return c.TTL
}

// NewCacheFromConfig creates a cache backend from configuration.
func NewCacheFromConfig(config *CacheConfig) (Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	switch config.Type {
	case CacheTypeMemory, "":
		return NewMemoryCacheFromConfig(config.Memory), nil

	case CacheTypeNATS:
		if config.NATS == nil {
			return nil, ErrNATSConfigRequired
		}

		return NewNATSKVCache(config.NATS)

	case CacheTypeTiered:
		if config.NATS == nil {
			return nil, ErrNATSConfigRequired
		}

		shared, err := NewNATSKVCache(config.NATS)
		if err != nil {
			return nil, err
		}

		return NewCacheChain(NewMemoryCacheFromConfig(config.Memory), shared), nil

	case CacheTypeNone:
		return NewNoOpCache(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCacheType, config.Type)
	}
}

// NewMemoryCacheFromConfig creates a memory cache from configuration.
func NewMemoryCacheFromConfig(config *MemoryCacheConfig) *MemoryCache {
	if config == nil {
		return NewMemoryCache(constants.DefaultCacheSize)
	}

	return NewMemoryCache(config.MaxSize)
}

// NoOpCache stores nothing; every read misses with ErrCacheDisabled.
type NoOpCache struct{}

// NewNoOpCache creates a cache that never holds a resource.
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Get(context.Context, string) (*CacheEntry, error) { return nil, ErrCacheDisabled }

func (c *NoOpCache) Set(context.Context, string, *CacheEntry) error { return nil }

func (c *NoOpCache) Delete(context.Context, string) error { return nil }

func (c *NoOpCache) Clear(context.Context) error { return nil }

func (c *NoOpCache) Has(context.Context, string) bool { return false }

// CacheBuilder helps build cache configurations.
type CacheBuilder struct {
	config *CacheConfig
}

// NewCacheBuilder creates a new cache builder.
func NewCacheBuilder() *CacheBuilder {
	return &CacheBuilder{
		config: &CacheConfig{
			Type: CacheTypeMemory,
		},
	}
}

// WithType sets the cache type.
func (b *CacheBuilder) WithType(cacheType CacheType) *CacheBuilder {
	b.config.Type = cacheType

	return b
}

// WithTTL sets how long reads are served from cache.
func (b *CacheBuilder) WithTTL(ttl time.Duration) *CacheBuilder {
	b.config.TTL = ttl

	return b
}

// WithMemoryConfig sets memory cache configuration.
func (b *CacheBuilder) WithMemoryConfig(maxSize int) *CacheBuilder {
	b.config.Memory = &MemoryCacheConfig{
		MaxSize: maxSize,
	}

	return b
}

// WithNATSConfig sets NATS cache configuration.
func (b *CacheBuilder) WithNATSConfig(config *NATSKVConfig) *CacheBuilder {
	b.config.NATS = config

	return b
}

// Config returns the configuration built so far.
func (b *CacheBuilder) Config() *CacheConfig {
	return b.config
}

// Build creates the cache from the configuration.
func (b *CacheBuilder) Build() (Cache, error) {
	return NewCacheFromConfig(b.config)
}

// CacheChain layers caches from fastest to slowest. A hit in a lower layer
// is copied into the layers above it; writes and invalidations reach every
// layer so that no layer serves a resource another layer has dropped.
type CacheChain struct {
	layers []Cache
}

// NewCacheChain creates a chain; layers[0] is consulted first.
func NewCacheChain(layers ...Cache) *CacheChain {
	return &CacheChain{layers: layers}
}

// Get returns the entry from the first layer holding key.
func (c *CacheChain) Get(ctx context.Context, key string) (*CacheEntry, error) {
	for depth, layer := range c.layers {
		entry, err := layer.Get(ctx, key)
		if err != nil {
			continue
		}

		for _, upper := range c.layers[:depth] {
			_ = upper.Set(ctx, key, entry)
		}

		return entry, nil
	}

	return nil, ErrKeyNotFoundInAnyCache
}

// Set stores entry in every layer.
func (c *CacheChain) Set(ctx context.Context, key string, entry *CacheEntry) error {
	return c.each(func(layer Cache) error { return layer.Set(ctx, key, entry) })
}

// Delete drops key from every layer.
func (c *CacheChain) Delete(ctx context.Context, key string) error {
	return c.each(func(layer Cache) error { return layer.Delete(ctx, key) })
}

// Clear empties every layer.
func (c *CacheChain) Clear(ctx context.Context) error {
	return c.each(func(layer Cache) error { return layer.Clear(ctx) })
}

// Has reports whether any layer holds key.
func (c *CacheChain) Has(ctx context.Context, key string) bool {
	for _, layer := range c.layers {
		if layer.Has(ctx, key) {
			return true
		}
	}

	return false
}

// each applies fn to all layers, also after a layer failed.
func (c *CacheChain) each(fn func(Cache) error) error {
	var result *multierror.Error

	for _, layer := range c.layers {
		if err := fn(layer); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
