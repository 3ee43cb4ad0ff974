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

// Package gateway implements the edge HTTP gateway: the ordered
// middleware chain, the route policy and auth gates, and the
// service-to-service proxy.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore/lib/jwt"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

// RequestContext is the typed per-request state the middleware chain
// produces and consumes. One instance is allocated when the proxy
// route matches and mutated in place by the gates.
type RequestContext struct {
	// Slug is the target service slug from the route.
	Slug string
	// Version is the normalized API major version.
	Version int
	// UpstreamPath is the tail path forwarded to the upstream.
	UpstreamPath string
	// UserClaims are the verified end-user assertion claims, nil for
	// anonymous requests.
	UserClaims *jwt.AssertionClaims
	// Decision is the resolved route policy decision, nil until the
	// policy gate ran.
	Decision *svcconfig.Decision
	// MinAccessLevel is attached by the policy gate for later
	// user-claim checks.
	MinAccessLevel int
}

type requestContextKey struct{}

// WithRequestContext stores rc on the request context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromRequest returns the RequestContext, or nil for requests that
// never matched the proxy route.
func FromRequest(r *http.Request) *RequestContext {
	rc, _ := r.Context().Value(requestContextKey{}).(*RequestContext)
	return rc
}

// SlugForRequest returns the matched route's slug, empty when the
// request never reached the proxy route. Audit capture uses it before
// falling back to path derivation.
func SlugForRequest(r *http.Request) string {
	if rc := FromRequest(r); rc != nil {
		return rc.Slug
	}
	return ""
}

// UserIDForRequest returns the verified end-user subject, if any.
func UserIDForRequest(r *http.Request) string {
	if rc := FromRequest(r); rc != nil && rc.UserClaims != nil {
		return rc.UserClaims.Subject
	}
	return ""
}

// ParseVersion normalizes an API version segment. Accepts "v1", "V1"
// and "1"; rejects zero, negatives and dotted versions.
func ParseVersion(s string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if trimmed == "" || !isDigits(trimmed) {
		return 0, trace.BadParameter("invalid API version %q", s)
	}
	version, err := strconv.Atoi(trimmed)
	if err != nil || version <= 0 {
		return 0, trace.BadParameter("invalid API version %q", s)
	}
	return version, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isHealthPath reports whether the upstream tail path is a health
// probe, which bypasses the auth and policy gates entirely.
func isHealthPath(upstreamPath string) bool {
	return upstreamPath == "/health" || strings.HasPrefix(upstreamPath, "/health/") || strings.HasPrefix(upstreamPath, "/healthcheck")
}
