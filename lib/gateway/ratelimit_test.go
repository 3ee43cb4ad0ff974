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

package gateway

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/meshcore"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterDeniesOverLimit(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 3, Window: time.Minute})
	require.NoError(t, err)
	handler := limiter.Middleware(okHandler())

	send := func(ip string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/billing/v1/invoices", nil)
		r.RemoteAddr = ip + ":51000"
		handler.ServeHTTP(recorder, r)
		return recorder
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	}
	denied := send("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	retryAfter, err := strconv.Atoi(denied.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)

	// Another client keeps its own window.
	require.Equal(t, http.StatusOK, send("10.0.0.2").Code)
}

func TestRateLimiterKeysOnMethodAndPath(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 1, Window: time.Minute})
	require.NoError(t, err)
	handler := limiter.Middleware(okHandler())

	send := func(method, path string) int {
		recorder := httptest.NewRecorder()
		r := httptest.NewRequest(method, path, nil)
		r.RemoteAddr = "10.0.0.1:51000"
		handler.ServeHTTP(recorder, r)
		return recorder.Code
	}

	require.Equal(t, http.StatusOK, send(http.MethodGet, "/a"))
	require.Equal(t, http.StatusTooManyRequests, send(http.MethodGet, "/a"))
	// A trailing slash shares the window.
	require.Equal(t, http.StatusTooManyRequests, send(http.MethodGet, "/a/"))
	require.Equal(t, http.StatusOK, send(http.MethodPost, "/a"))
	require.Equal(t, http.StatusOK, send(http.MethodGet, "/b"))
}

func TestRateLimiterUsesForwardedFor(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 1, Window: time.Minute})
	require.NoError(t, err)
	handler := limiter.Middleware(okHandler())

	send := func(fwd string) int {
		recorder := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/a", nil)
		r.RemoteAddr = "10.0.0.9:51000"
		r.Header.Set(meshcore.HeaderForwardedFor, fwd)
		handler.ServeHTTP(recorder, r)
		return recorder.Code
	}

	require.Equal(t, http.StatusOK, send("198.51.100.1, 10.0.0.9"))
	require.Equal(t, http.StatusTooManyRequests, send("198.51.100.1, 10.0.0.9"))
	require.Equal(t, http.StatusOK, send("198.51.100.2, 10.0.0.9"))
}

// failingStore always errors, simulating a broken shared counter.
type failingStore struct{}

func (failingStore) Incr(key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, trace.ConnectionProblem(nil, "counter backend down")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 1, Window: time.Minute, Store: failingStore{}})
	require.NoError(t, err)
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		recorder := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/a", nil)
		r.RemoteAddr = "10.0.0.1:51000"
		handler.ServeHTTP(recorder, r)
		require.Equal(t, http.StatusOK, recorder.Code)
	}
}

func TestRateLimiterConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRateLimiter(RateLimiterConfig{Window: time.Minute})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewRateLimiter(RateLimiterConfig{Points: 10})
	require.True(t, trace.IsBadParameter(err))
}

func TestMemoryWindowStoreReset(t *testing.T) {
	t.Parallel()

	store := NewMemoryWindowStore(20 * time.Millisecond)
	count, _, err := store.Incr("k", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	count, _, err = store.Incr("k", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	// A fresh window starts after expiry.
	require.Eventually(t, func() bool {
		count, _, err := store.Incr("k", 20*time.Millisecond)
		return err == nil && count == 1
	}, time.Second, 5*time.Millisecond)
}
