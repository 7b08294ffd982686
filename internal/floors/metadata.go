package floors

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Metadata is the per-device floor layout fetched from server attributes.
type Metadata struct {
	Boundaries []float64
	Labels     []string
	HomeFloor  int
	HasHome    bool
}

// Label returns the label for a floor index, falling back to the numeric
// index when labels are missing or the index is out of range.
func (m Metadata) Label(index int) string {
	if index >= 0 && index < len(m.Labels) {
		return m.Labels[index]
	}
	return strconv.Itoa(index)
}

// DefaultBoundaries are used when a device carries no floor metadata or the
// attribute store is unreachable. Approximate derived telemetry is preferred
// over failing the request.
func DefaultBoundaries() []float64 {
	return []float64{0, 3000, 6000, 9000, 12000, 15000, 18000}
}

// DefaultMetadata builds the built-in seven-floor layout.
func DefaultMetadata() Metadata {
	return normalizeMetadata(Metadata{Boundaries: DefaultBoundaries()})
}

func normalizeMetadata(meta Metadata) Metadata {
	if len(meta.Boundaries) == 0 {
		meta.Boundaries = DefaultBoundaries()
	}
	want := len(meta.Boundaries) - 1
	if want < 0 {
		want = 0
	}
	if len(meta.Labels) == 0 {
		meta.Labels = make([]string, 0, want)
		for i := 0; i < want; i++ {
			meta.Labels = append(meta.Labels, strconv.Itoa(i))
		}
	}
	if len(meta.Labels) > want {
		meta.Labels = meta.Labels[:want]
	}
	return meta
}

// ParseMetadata builds floor metadata from raw server attributes
// (floor_boundaries CSV in mm, floor_labels CSV, home_floor).
func ParseMetadata(attrs map[string]any) Metadata {
	var meta Metadata
	if raw, ok := attrs["floor_boundaries"].(string); ok {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			value, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				continue
			}
			meta.Boundaries = append(meta.Boundaries, value)
		}
	}
	if raw, ok := attrs["floor_labels"].(string); ok {
		for _, part := range strings.Split(raw, ",") {
			meta.Labels = append(meta.Labels, strings.TrimSpace(part))
		}
	}
	switch raw := attrs["home_floor"].(type) {
	case float64:
		meta.HomeFloor = int(raw)
		meta.HasHome = true
	case int:
		meta.HomeFloor = raw
		meta.HasHome = true
	case string:
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			meta.HomeFloor = value
			meta.HasHome = true
		}
	}
	return normalizeMetadata(meta)
}

// AttributeSource fetches a device's server-scope attributes.
type AttributeSource interface {
	DeviceAttributes(ctx context.Context, account, deviceName string) (map[string]any, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Cache is a read-through floor metadata cache with TTL expiry and
// per-device single-flight refresh.
type Cache struct {
	source AttributeSource
	ttl    time.Duration
	clock  Clock
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu        sync.Mutex
	meta      Metadata
	fetchedAt time.Time
}

// CacheOption customizes the cache.
type CacheOption func(*Cache)

// WithClock assigns a clock.
func WithClock(clock Clock) CacheOption {
	return func(c *Cache) {
		c.clock = clock
	}
}

// NewCache constructs a metadata cache.
func NewCache(source AttributeSource, ttl time.Duration, logger *log.Logger, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	cache := &Cache{
		source:  source,
		ttl:     ttl,
		clock:   systemClock{},
		entries: make(map[string]*cacheEntry),
	}
	cache.logger = logger
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Get returns floor metadata for a device, refreshing on expiry. Fetch or
// parse failures degrade to the built-in default layout, which is cached
// for the TTL like any other result.
func (c *Cache) Get(ctx context.Context, account, deviceName string) Metadata {
	if c == nil {
		return DefaultMetadata()
	}
	entry := c.entry(account + ":" + deviceName)

	// Holding the entry lock across the fetch gives single-flight refresh
	// per device without blocking lookups for other devices.
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := c.clock.Now()
	if !entry.fetchedAt.IsZero() && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.meta
	}

	meta := DefaultMetadata()
	if c.source != nil {
		attrs, err := c.source.DeviceAttributes(ctx, account, deviceName)
		if err != nil {
			c.logger.Printf("floors: attribute fetch failed for %s@%s: %v", deviceName, account, err)
		} else {
			meta = ParseMetadata(attrs)
		}
	}
	entry.meta = meta
	entry.fetchedAt = now
	return meta
}

func (c *Cache) entry(key string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry{}
		c.entries[key] = entry
	}
	return entry
}
