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

// Package svcconfig mirrors the authoritative service directory: which
// backend serves (env, slug, version), and which route policy governs
// each of its endpoints.
package svcconfig

import (
	"net/url"

	"github.com/gravitational/trace"
)

// UserAssertionMode states whether an endpoint requires, accepts or
// rejects an end-user assertion.
type UserAssertionMode string

const (
	// UserAssertionRequired rejects calls without a user assertion.
	UserAssertionRequired UserAssertionMode = "required"
	// UserAssertionOptional accepts calls with or without one.
	UserAssertionOptional UserAssertionMode = "optional"
	// UserAssertionForbidden rejects calls carrying one.
	UserAssertionForbidden UserAssertionMode = "forbidden"
)

// valid reports whether the mode is one of the three known values.
func (m UserAssertionMode) valid() bool {
	switch m {
	case UserAssertionRequired, UserAssertionOptional, UserAssertionForbidden:
		return true
	}
	return false
}

// RouteRule is one route policy rule. Zero Method means "any method";
// AnyVersion selects rules that apply to every version of the slug.
type RouteRule struct {
	// Method is the HTTP method this rule matches, empty for any.
	Method string `json:"method,omitempty"`
	// PathPrefix matches request paths on '/' boundaries,
	// case-sensitive.
	PathPrefix string `json:"pathPrefix"`
	// Public allows unauthenticated access when MinAccessLevel is 0.
	Public bool `json:"public"`
	// UserAssertion states the end-user assertion requirement.
	UserAssertion UserAssertionMode `json:"userAssertion"`
	// MinAccessLevel is the minimum caller access level; 0 means none.
	MinAccessLevel int `json:"minAccessLevel"`
}

// Check validates one rule.
func (r *RouteRule) Check() error {
	if r.PathPrefix == "" || r.PathPrefix[0] != '/' {
		return trace.BadParameter("rule path prefix %q must start with /", r.PathPrefix)
	}
	if r.UserAssertion != "" && !r.UserAssertion.valid() {
		return trace.BadParameter("unknown user assertion mode %q", r.UserAssertion)
	}
	if r.MinAccessLevel < 0 {
		return trace.BadParameter("negative min access level %v", r.MinAccessLevel)
	}
	return nil
}

// PolicyDefaults apply when no rule matches a request.
type PolicyDefaults struct {
	// Public allows unauthenticated access by default.
	Public bool `json:"public"`
	// UserAssertion is the default end-user assertion requirement.
	UserAssertion UserAssertionMode `json:"userAssertion"`
}

// RoutePolicy is the access policy of one service version.
type RoutePolicy struct {
	// Revision identifies the policy version for cache invalidation.
	Revision string `json:"revision"`
	// Defaults apply when no rule matches.
	Defaults PolicyDefaults `json:"defaults"`
	// Rules are matched most-specific-first; see Match.
	Rules []RouteRule `json:"rules"`
}

// Check validates the policy, rejecting rule pairs that would tie at
// match time. Ambiguity is a hard load-time error so requests never
// see two equally specific rules.
func (p *RoutePolicy) Check() error {
	if p.Defaults.UserAssertion != "" && !p.Defaults.UserAssertion.valid() {
		return trace.BadParameter("unknown default user assertion mode %q", p.Defaults.UserAssertion)
	}
	type ruleKey struct {
		method string
		prefix string
	}
	seen := make(map[ruleKey]struct{}, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if err := rule.Check(); err != nil {
			return trace.Wrap(err)
		}
		key := ruleKey{method: rule.Method, prefix: rule.PathPrefix}
		if _, ok := seen[key]; ok {
			return trace.BadParameter("ambiguous route policy: duplicate rule for method %q prefix %q",
				rule.Method, rule.PathPrefix)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// AnyVersion selects directory entries that apply to every version of
// a slug.
const AnyVersion = 0

// SvcRecord is one service directory entry, uniquely keyed by
// (env, slug, version).
type SvcRecord struct {
	// Env is the deployment environment, e.g. "prod".
	Env string `json:"env"`
	// Slug is the service short name.
	Slug string `json:"slug"`
	// Version is the positive API major version, or AnyVersion.
	Version int `json:"version"`
	// BaseURL is the absolute upstream base URL.
	BaseURL string `json:"baseUrl"`
	// InternalOnly marks services not reachable through the edge.
	InternalOnly bool `json:"internalOnly"`
	// RoutePolicy is the optional access policy for this version.
	RoutePolicy *RoutePolicy `json:"routePolicy,omitempty"`
}

// Check validates the record.
func (r *SvcRecord) Check() error {
	if r.Env == "" {
		return trace.BadParameter("missing record env")
	}
	if r.Slug == "" {
		return trace.BadParameter("missing record slug")
	}
	if r.Version < AnyVersion {
		return trace.BadParameter("negative record version %v", r.Version)
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return trace.BadParameter("record base URL %q is not absolute", r.BaseURL)
	}
	if r.RoutePolicy != nil {
		if err := r.RoutePolicy.Check(); err != nil {
			return trace.Wrap(err, "route policy of %v/%v v%v", r.Env, r.Slug, r.Version)
		}
	}
	return nil
}

// Key identifies a record in a snapshot.
type Key struct {
	Env     string
	Slug    string
	Version int
}
