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

package utils

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// FnCacheConfig contains dependencies for an FnCache.
type FnCacheConfig struct {
	// TTL is the time to live of a successfully loaded entry.
	TTL time.Duration
	// Clock is an optional clock override for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *FnCacheConfig) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		return trace.BadParameter("missing parameter TTL")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// FnCache is a TTL cache whose entries are populated by loader
// functions. Concurrent loads of the same key are collapsed into one
// in-flight call. Load failures are never cached and expired values
// are never served.
type FnCache struct {
	cfg     FnCacheConfig
	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*fnCacheEntry
}

type fnCacheEntry struct {
	value   any
	expires time.Time
}

// NewFnCache returns a new TTL loader cache.
func NewFnCache(cfg FnCacheConfig) (*FnCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FnCache{
		cfg:     cfg,
		entries: make(map[string]*fnCacheEntry),
	}, nil
}

func (c *FnCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.cfg.Clock.Now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *FnCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &fnCacheEntry{
		value:   value,
		expires: c.cfg.Clock.Now().Add(c.cfg.TTL),
	}
}

// Expire drops the entry for key so the next Get triggers a reload.
func (c *FnCache) Expire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// FnCacheGet loads the value for key, either from cache or by invoking
// loadfn. Concurrent callers for the same key share one invocation and
// its result.
func FnCacheGet[T any](ctx context.Context, cache *FnCache, key string, loadfn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := cache.get(key); ok {
		value, ok := v.(T)
		if !ok {
			return zero, trace.BadParameter("value of wrong type %T stored under key %q", v, key)
		}
		return value, nil
	}
	v, err, _ := cache.group.Do(key, func() (any, error) {
		// Another flight may have populated the entry while this caller
		// was waiting on the group.
		if v, ok := cache.get(key); ok {
			return v, nil
		}
		value, err := loadfn(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cache.set(key, value)
		return value, nil
	})
	if err != nil {
		return zero, trace.Wrap(err)
	}
	value, ok := v.(T)
	if !ok {
		return zero, trace.BadParameter("loader for key %q returned value of wrong type %T", key, v)
	}
	return value, nil
}
