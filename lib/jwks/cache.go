/*
 * Meshcore
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package jwks

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/meshcore/lib/utils"
)

// cacheKey is the single entry key; the cache holds one key set.
const cacheKey = "jwks"

// CacheConfig configures the JWKS cache.
type CacheConfig struct {
	// Provider loads the key set on miss.
	Provider *Provider

	// TTL is the lifetime of a cached key set. Required.
	TTL time.Duration

	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("missing parameter Provider")
	}
	if c.TTL <= 0 {
		return trace.BadParameter("TTL must be a positive duration")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache serves the current JWK Set from memory, refreshing it at most
// once per TTL. Concurrent cold-cache callers share a single refresh.
// A stale set is never served: if the entry has expired and the
// refresh fails, the caller gets the error.
type Cache struct {
	cfg   CacheConfig
	cache *utils.FnCache
}

// NewCache creates a TTL cache over the given provider.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := utils.NewFnCache(utils.FnCacheConfig{
		TTL:   cfg.TTL,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{cfg: cfg, cache: cache}, nil
}

// Get returns the cached key set, loading it if cold or expired.
func (c *Cache) Get(ctx context.Context) (*jose.JSONWebKeySet, error) {
	set, err := utils.FnCacheGet(ctx, c.cache, cacheKey, func(ctx context.Context) (*jose.JSONWebKeySet, error) {
		return c.cfg.Provider.Get(ctx)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return set, nil
}

// ExpireNow drops the cached entry so the next Get refreshes. Exists
// for key rotation: after rotating the KMS key version, expire the
// cache to publish the new key immediately.
func (c *Cache) ExpireNow() {
	c.cache.Expire(cacheKey)
}
