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
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestFnCacheTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cache, err := NewFnCache(FnCacheConfig{TTL: time.Minute, Clock: clock})
	require.NoError(t, err)

	loads := 0
	load := func(ctx context.Context) (int, error) {
		loads++
		return loads, nil
	}

	ctx := context.Background()
	value, err := FnCacheGet(ctx, cache, "key", load)
	require.NoError(t, err)
	require.Equal(t, 1, value)

	// Within the TTL the cached value is reused.
	value, err = FnCacheGet(ctx, cache, "key", load)
	require.NoError(t, err)
	require.Equal(t, 1, value)
	require.Equal(t, 1, loads)

	clock.Advance(time.Minute + time.Second)
	value, err = FnCacheGet(ctx, cache, "key", load)
	require.NoError(t, err)
	require.Equal(t, 2, value)
}

func TestFnCacheErrorsNotCached(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cache, err := NewFnCache(FnCacheConfig{TTL: time.Minute, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	calls := 0
	_, err = FnCacheGet(ctx, cache, "key", func(ctx context.Context) (int, error) {
		calls++
		return 0, trace.ConnectionProblem(nil, "offline")
	})
	require.Error(t, err)

	value, err := FnCacheGet(ctx, cache, "key", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, 2, calls)
}

func TestFnCacheSingleFlight(t *testing.T) {
	t.Parallel()

	cache, err := NewFnCache(FnCacheConfig{TTL: time.Minute})
	require.NoError(t, err)

	// The first flight blocks until every goroutine has joined, so all
	// of them must share its result.
	var loads atomic.Int64
	release := make(chan struct{})
	load := func(ctx context.Context) (int64, error) {
		n := loads.Add(1)
		<-release
		return n, nil
	}

	const callers = 16
	results := make([]int64, callers)
	errs := make([]error, callers)
	var started, finished sync.WaitGroup
	started.Add(callers)
	finished.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer finished.Done()
			started.Done()
			results[i], errs[i] = FnCacheGet(context.Background(), cache, "key", load)
		}(i)
	}
	started.Wait()
	close(release)
	finished.Wait()

	require.Equal(t, int64(1), loads.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, int64(1), results[i])
	}
}

func TestFnCacheExpire(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cache, err := NewFnCache(FnCacheConfig{TTL: time.Hour, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	loads := 0
	load := func(ctx context.Context) (int, error) {
		loads++
		return loads, nil
	}
	_, err = FnCacheGet(ctx, cache, "key", load)
	require.NoError(t, err)

	cache.Expire("key")
	value, err := FnCacheGet(ctx, cache, "key", load)
	require.NoError(t, err)
	require.Equal(t, 2, value)
}
