// Package secret provides a lazily loaded, thread-safe credential cache.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned when no source yields a value.
var ErrNotConfigured = errors.New("secret not configured")

// Loader fetches the current secret value.
type Loader func(ctx context.Context) (string, error)

// Cache holds one secret. The first Get loads it; later calls reuse the value
// until ttl elapses or Invalidate is called. A zero ttl never expires.
type Cache struct {
	name   string
	load   Loader
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	value  string
	loaded time.Time
}

// NewCache creates a cache for the named secret.
func NewCache(name string, load Loader, ttl time.Duration) *Cache {
	return &Cache{name: name, load: load, ttl: ttl, now: time.Now}
}

// Get returns the cached value, loading it if absent or stale.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != "" && (c.ttl <= 0 || c.now().Sub(c.loaded) < c.ttl) {
		return c.value, nil
	}

	v, err := c.load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load secret %s: %w", c.name, err)
	}
	if v == "" {
		return "", fmt.Errorf("secret %s: %w", c.name, ErrNotConfigured)
	}

	c.value = v
	c.loaded = c.now()
	log.Debug().Str("secret", c.name).Msg("Secret loaded")
	return v, nil
}

// Invalidate drops the cached value so the next Get reloads it.
// Callers use it after the remote side rejects the credential.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.value = ""
	c.loaded = time.Time{}
	c.mu.Unlock()
	log.Info().Str("secret", c.name).Msg("Secret invalidated")
}

// FromFile reads the secret from a file, trimming surrounding whitespace.
func FromFile(path string) Loader {
	return func(_ context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}

// FromEnv reads the secret from an environment variable.
func FromEnv(name string) Loader {
	return func(_ context.Context) (string, error) {
		return os.Getenv(name), nil
	}
}

// FirstOf tries each loader in order and returns the first non-empty value.
// Empty paths or names should be filtered out by the caller.
func FirstOf(loaders ...Loader) Loader {
	return func(ctx context.Context) (string, error) {
		var errs []error
		for _, l := range loaders {
			v, err := l(ctx)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if v != "" {
				return v, nil
			}
		}
		if len(errs) > 0 {
			return "", errors.Join(append(errs, ErrNotConfigured)...)
		}
		return "", ErrNotConfigured
	}
}
