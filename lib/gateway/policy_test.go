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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/meshcore/lib/jwt"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

// mapPolicySource serves fixed policies keyed by slug.
type mapPolicySource map[string]*svcconfig.RoutePolicy

func (s mapPolicySource) RoutePolicyFor(env, slug string, version int) *svcconfig.RoutePolicy {
	return s[slug]
}

// countingFallback serves one scripted facilitator answer and counts
// queries.
type countingFallback struct {
	decision *svcconfig.Decision
	found    bool
	err      error
	queries  int
}

func (f *countingFallback) QueryRoutePolicy(ctx context.Context, slug string, version int, method, path string) (*svcconfig.Decision, bool, error) {
	f.queries++
	return f.decision, f.found, f.err
}

func policyRequest(method, path, bearer string) (*http.Request, *RequestContext) {
	r := httptest.NewRequest(method, "/api/billing/v1"+path, nil)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r, &RequestContext{Slug: "billing", Version: 1, UpstreamPath: path}
}

func TestPolicyGateEnforcement(t *testing.T) {
	t.Parallel()

	source := mapPolicySource{
		"billing": {
			Defaults: svcconfig.PolicyDefaults{Public: false},
			Rules: []svcconfig.RouteRule{
				{PathPrefix: "/status", Public: true},
				{PathPrefix: "/invoices", MinAccessLevel: 2},
				{PathPrefix: "/profile", Public: true, UserAssertion: svcconfig.UserAssertionRequired},
				{PathPrefix: "/callbacks", Public: true, UserAssertion: svcconfig.UserAssertionForbidden},
			},
		},
	}
	gate, err := NewPolicyGate(PolicyGateConfig{Env: "test", Source: source})
	require.NoError(t, err)

	// Public rule with no access level requirement allows anonymous.
	r, rc := policyRequest(http.MethodGet, "/status", "")
	require.NoError(t, gate.Check(r, rc))
	require.NotNil(t, rc.Decision)

	// Level-gated rule needs a bearer token.
	r, rc = policyRequest(http.MethodGet, "/invoices", "")
	requireStatusError(t, gate.Check(r, rc), http.StatusUnauthorized, "policy_requires_token")

	r, rc = policyRequest(http.MethodGet, "/invoices", "svc-token")
	require.NoError(t, gate.Check(r, rc))
	require.Equal(t, 2, rc.MinAccessLevel)

	// Non-public default needs a bearer token too.
	r, rc = policyRequest(http.MethodGet, "/other", "")
	requireStatusError(t, gate.Check(r, rc), http.StatusUnauthorized, "policy_requires_token")

	// A required user assertion is enforced even on public rules.
	r, rc = policyRequest(http.MethodGet, "/profile", "")
	requireStatusError(t, gate.Check(r, rc), http.StatusUnauthorized, "user_assertion_required")

	r, rc = policyRequest(http.MethodGet, "/profile", "")
	rc.UserClaims = &jwt.AssertionClaims{}
	require.NoError(t, gate.Check(r, rc))

	// A forbidden user assertion rejects calls carrying one and
	// allows calls without.
	r, rc = policyRequest(http.MethodGet, "/callbacks", "svc-token")
	rc.UserClaims = &jwt.AssertionClaims{}
	requireStatusError(t, gate.Check(r, rc), http.StatusForbidden, "user_assertion_forbidden")

	r, rc = policyRequest(http.MethodGet, "/callbacks", "")
	require.NoError(t, gate.Check(r, rc))
}

func TestPolicyGatePrivateByDefault(t *testing.T) {
	t.Parallel()

	// No mirrored policy and no fallback: anonymous requests are
	// rejected, service callers pass.
	gate, err := NewPolicyGate(PolicyGateConfig{Env: "test", Source: mapPolicySource{}})
	require.NoError(t, err)

	r, rc := policyRequest(http.MethodGet, "/invoices", "")
	requireStatusError(t, gate.Check(r, rc), http.StatusUnauthorized, "private_by_default_no_policy")

	r, rc = policyRequest(http.MethodGet, "/invoices", "svc-token")
	require.NoError(t, gate.Check(r, rc))
	require.Nil(t, rc.Decision)
}

func TestPolicyGateAmbiguousPolicy(t *testing.T) {
	t.Parallel()

	source := mapPolicySource{
		"billing": {
			Rules: []svcconfig.RouteRule{
				{Method: http.MethodGet, PathPrefix: "/a", Public: true},
				{Method: http.MethodGet, PathPrefix: "/a", MinAccessLevel: 1},
			},
		},
	}
	gate, err := NewPolicyGate(PolicyGateConfig{Env: "test", Source: source})
	require.NoError(t, err)

	r, rc := policyRequest(http.MethodGet, "/a", "svc-token")
	requireStatusError(t, gate.Check(r, rc), http.StatusBadGateway, "policy_ambiguous")
}

func TestPolicyGateFallback(t *testing.T) {
	t.Parallel()

	fallback := &countingFallback{
		decision: &svcconfig.Decision{Public: true, UserAssertion: svcconfig.UserAssertionOptional},
		found:    true,
	}
	gate, err := NewPolicyGate(PolicyGateConfig{
		Env:      "test",
		Source:   mapPolicySource{},
		Fallback: fallback,
		CacheTTL: time.Minute,
	})
	require.NoError(t, err)

	r, rc := policyRequest(http.MethodGet, "/invoices", "")
	require.NoError(t, gate.Check(r, rc))
	require.Equal(t, 1, fallback.queries)

	// The decision is cached; a repeat does not query again.
	r, rc = policyRequest(http.MethodGet, "/invoices", "")
	require.NoError(t, gate.Check(r, rc))
	require.Equal(t, 1, fallback.queries)

	// Different method resolves separately.
	r, rc = policyRequest(http.MethodPost, "/invoices", "")
	require.NoError(t, gate.Check(r, rc))
	require.Equal(t, 2, fallback.queries)
}

func TestPolicyGateCachesNegatives(t *testing.T) {
	t.Parallel()

	fallback := &countingFallback{found: false}
	gate, err := NewPolicyGate(PolicyGateConfig{
		Env:      "test",
		Source:   mapPolicySource{},
		Fallback: fallback,
		CacheTTL: time.Minute,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, rc := policyRequest(http.MethodGet, "/invoices", "")
		requireStatusError(t, gate.Check(r, rc), http.StatusUnauthorized, "private_by_default_no_policy")
	}
	require.Equal(t, 1, fallback.queries)
}

func TestPolicyGateResolutionFailure(t *testing.T) {
	t.Parallel()

	fallback := &countingFallback{err: trace.ConnectionProblem(nil, "facilitator down")}
	gate, err := NewPolicyGate(PolicyGateConfig{
		Env:      "test",
		Source:   mapPolicySource{},
		Fallback: fallback,
	})
	require.NoError(t, err)

	// Resolution failures never silently allow, token or not.
	r, rc := policyRequest(http.MethodGet, "/invoices", "svc-token")
	requireStatusError(t, gate.Check(r, rc), http.StatusBadGateway, "route_policy_resolution_failed")

	// Failures are not cached as negatives.
	r, rc = policyRequest(http.MethodGet, "/invoices", "svc-token")
	requireStatusError(t, gate.Check(r, rc), http.StatusBadGateway, "route_policy_resolution_failed")
	require.Equal(t, 2, fallback.queries)
}
