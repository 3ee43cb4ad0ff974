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
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

var rateLimitDenials = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_rate_limit_denials_total",
		Help: "Number of requests denied by the fixed-window rate limiter",
	},
)

func init() {
	prometheus.MustRegister(rateLimitDenials)
}

// WindowStore counts hits per key inside a fixed window. The in-memory
// store below is the default; distributed deployments substitute a
// shared one with the same semantics.
type WindowStore interface {
	// Incr adds one hit and returns the window's running count plus
	// the time left until the window resets.
	Incr(key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// MemoryWindowStore is the in-process WindowStore backed by an
// expiring cache. Window boundaries are set by the first hit on a key.
type MemoryWindowStore struct {
	cache *gocache.Cache
}

// NewMemoryWindowStore creates a store that janitors dead windows at
// twice the window length.
func NewMemoryWindowStore(window time.Duration) *MemoryWindowStore {
	return &MemoryWindowStore{cache: gocache.New(window, 2*window)}
}

// Incr implements WindowStore.
func (s *MemoryWindowStore) Incr(key string, window time.Duration) (int64, time.Duration, error) {
	if err := s.cache.Add(key, int64(1), window); err == nil {
		return 1, window, nil
	}
	count, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		// The window expired between Add and Increment; start a new one.
		s.cache.Set(key, int64(1), window)
		return 1, window, nil
	}
	_, expiry, ok := s.cache.GetWithExpiration(key)
	if !ok {
		return count, window, nil
	}
	return count, time.Until(expiry), nil
}

// RateLimiterConfig configures the fixed-window limiter. Points and
// Window are required; an operator sizes them for the deployment.
type RateLimiterConfig struct {
	// Points is the number of allowed hits per window.
	Points int
	// Window is the fixed window length.
	Window time.Duration
	// Store counts hits; defaults to the in-memory store.
	Store WindowStore
}

// CheckAndSetDefaults validates the config.
func (c *RateLimiterConfig) CheckAndSetDefaults() error {
	if c.Points <= 0 {
		return trace.BadParameter("rate limit points must be > 0, got %v", c.Points)
	}
	if c.Window <= 0 {
		return trace.BadParameter("rate limit window must be > 0, got %v", c.Window)
	}
	if c.Store == nil {
		c.Store = NewMemoryWindowStore(c.Window)
	}
	return nil
}

// RateLimiter denies the N+1th request per (ip, method, path) within a
// window. Internal store failures fail open: availability beats
// protection at the edge.
type RateLimiter struct {
	cfg RateLimiterConfig
	log *slog.Logger
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RateLimiter{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentGateway),
	}, nil
}

// Middleware wraps next with rate limiting.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r) + "|" + r.Method + "|" + normalizePath(r.URL.Path)
		count, resetIn, err := l.cfg.Store.Incr(key, l.cfg.Window)
		if err != nil {
			l.log.WarnContext(r.Context(), "Rate limit store failed, allowing request.", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if count > int64(l.cfg.Points) {
			rateLimitDenials.Inc()
			retryAfter := int(math.Ceil(resetIn.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httplib.ReplyProblem(w, r, http.StatusTooManyRequests, httplib.Problem{
				Type:   "rate_limited",
				Detail: "request rate limit exceeded, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For hop, or the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get(meshcore.HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return peerIP(r)
}

// peerIP returns the socket peer address without the port.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizePath strips the trailing slash so /users and /users/ share
// a window.
func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}
