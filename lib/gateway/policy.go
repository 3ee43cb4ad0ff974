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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore/lib/defaults"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

var policyFallbackFetches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_policy_fallback_fetches_total",
		Help: "Number of route policy queries sent to the facilitator",
	},
)

func init() {
	prometheus.MustRegister(policyFallbackFetches)
}

// PolicySource serves mirrored route policies. Implemented by the
// svcconfig mirror.
type PolicySource interface {
	RoutePolicyFor(env, slug string, version int) *svcconfig.RoutePolicy
}

// PolicyFallback queries the facilitator for endpoints the mirror has
// no policy for. Implemented by the svcconfig client.
type PolicyFallback interface {
	QueryRoutePolicy(ctx context.Context, slug string, version int, method, path string) (*svcconfig.Decision, bool, error)
}

// PolicyGateConfig configures the route policy gate.
type PolicyGateConfig struct {
	// Env is the mesh environment policies are scoped to.
	Env string
	// Source serves mirrored policies.
	Source PolicySource
	// Fallback queries the facilitator on mirror misses. Optional.
	Fallback PolicyFallback
	// CacheTTL bounds decision reuse, negatives included.
	CacheTTL time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *PolicyGateConfig) CheckAndSetDefaults() error {
	if c.Env == "" {
		return trace.BadParameter("missing parameter Env")
	}
	if c.Source == nil {
		return trace.BadParameter("missing parameter Source")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.PolicyDecisionTTL
	}
	return nil
}

// cachedDecision is a cache entry; a nil Decision is a cached
// negative: the endpoint has no policy.
type cachedDecision struct {
	decision *svcconfig.Decision
}

// PolicyGate resolves and enforces the route policy for proxied
// requests. Decisions are cached per (env, slug, version, method,
// path) including negatives; resolution failures never silently
// allow.
type PolicyGate struct {
	cfg   PolicyGateConfig
	cache *gocache.Cache
}

// NewPolicyGate creates the gate.
func NewPolicyGate(cfg PolicyGateConfig) (*PolicyGate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &PolicyGate{
		cfg:   cfg,
		cache: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}, nil
}

// Check resolves the policy decision for the request and enforces it.
func (g *PolicyGate) Check(r *http.Request, rc *RequestContext) error {
	decision, err := g.resolve(r.Context(), r.Method, rc)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(g.enforce(r, rc, decision))
}

func (g *PolicyGate) resolve(ctx context.Context, method string, rc *RequestContext) (*svcconfig.Decision, error) {
	key := fmt.Sprintf("%s|%s|%d|%s|%s", g.cfg.Env, rc.Slug, rc.Version, method, normalizePath(rc.UpstreamPath))
	if entry, ok := g.cache.Get(key); ok {
		return entry.(cachedDecision).decision, nil
	}

	var decision *svcconfig.Decision
	if policy := g.cfg.Source.RoutePolicyFor(g.cfg.Env, rc.Slug, rc.Version); policy != nil {
		matched, err := policy.Match(method, rc.UpstreamPath)
		if err != nil {
			if errors.Is(err, svcconfig.ErrAmbiguousPolicy) {
				return nil, httplib.NewStatusError(http.StatusBadGateway,
					"policy_ambiguous", "two route policy rules tie for this request")
			}
			return nil, httplib.NewStatusError(http.StatusBadGateway,
				"route_policy_resolution_failed", "failed to resolve the route policy")
		}
		decision = matched
	} else if g.cfg.Fallback != nil {
		policyFallbackFetches.Inc()
		matched, found, err := g.cfg.Fallback.QueryRoutePolicy(ctx, rc.Slug, rc.Version, method, rc.UpstreamPath)
		if err != nil {
			return nil, httplib.NewStatusError(http.StatusBadGateway,
				"route_policy_resolution_failed", "failed to resolve the route policy")
		}
		if found {
			decision = matched
		}
	}
	g.cache.SetDefault(key, cachedDecision{decision: decision})
	return decision, nil
}

func (g *PolicyGate) enforce(r *http.Request, rc *RequestContext, decision *svcconfig.Decision) error {
	hasBearer := strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
	if decision == nil {
		if hasBearer {
			return nil
		}
		return httplib.NewStatusError(http.StatusUnauthorized,
			"private_by_default_no_policy", "no route policy exists for this endpoint and no bearer token was presented")
	}
	rc.Decision = decision
	rc.MinAccessLevel = decision.MinAccessLevel
	if decision.UserAssertion == svcconfig.UserAssertionRequired && rc.UserClaims == nil {
		return httplib.NewStatusError(http.StatusUnauthorized,
			"user_assertion_required", "this endpoint requires a verified end-user assertion")
	}
	if decision.UserAssertion == svcconfig.UserAssertionForbidden && rc.UserClaims != nil {
		return httplib.NewStatusError(http.StatusForbidden,
			"user_assertion_forbidden", "this endpoint does not accept end-user assertions")
	}
	if hasBearer {
		return nil
	}
	if decision.Public && decision.MinAccessLevel == 0 {
		return nil
	}
	return httplib.NewStatusError(http.StatusUnauthorized,
		"policy_requires_token", "this endpoint requires a bearer token")
}
