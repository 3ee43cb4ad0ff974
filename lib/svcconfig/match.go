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

package svcconfig

import (
	"errors"
	"strings"

	"github.com/gravitational/trace"
)

// ErrAmbiguousPolicy is returned when two rules tie for a request.
// Policies are validated at load time, so hitting this at match time
// indicates a directory bug; callers fail closed.
var ErrAmbiguousPolicy = errors.New("ambiguous route policy")

// Decision is the resolved access policy for one request.
type Decision struct {
	// Public allows unauthenticated access when MinAccessLevel is 0.
	Public bool
	// UserAssertion is the end-user assertion requirement.
	UserAssertion UserAssertionMode
	// MinAccessLevel is the minimum caller access level.
	MinAccessLevel int
	// Rule is the matched rule, nil when defaults applied.
	Rule *RouteRule
}

// Match resolves the policy decision for (method, path). Rule
// precedence, highest first: explicit method over any-method, then
// longest path prefix. Prefixes match case-sensitively on '/'
// boundaries. A tie between two rules is an error.
func (p *RoutePolicy) Match(method, path string) (*Decision, error) {
	var best *RouteRule
	var tied bool
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.Method != "" && rule.Method != method {
			continue
		}
		if !prefixMatches(rule.PathPrefix, path) {
			continue
		}
		switch {
		case best == nil:
			best = rule
		case moreSpecific(rule, best):
			best, tied = rule, false
		case moreSpecific(best, rule):
		default:
			tied = true
		}
	}
	if tied {
		return nil, trace.Wrap(ErrAmbiguousPolicy, "two rules tie for %v %v", method, path)
	}
	if best == nil {
		mode := p.Defaults.UserAssertion
		if mode == "" {
			mode = UserAssertionOptional
		}
		return &Decision{
			Public:        p.Defaults.Public,
			UserAssertion: mode,
		}, nil
	}
	mode := best.UserAssertion
	if mode == "" {
		mode = UserAssertionOptional
	}
	return &Decision{
		Public:         best.Public,
		UserAssertion:  mode,
		MinAccessLevel: best.MinAccessLevel,
		Rule:           best,
	}, nil
}

// moreSpecific reports whether a beats b: explicit method first, then
// longer prefix.
func moreSpecific(a, b *RouteRule) bool {
	if (a.Method != "") != (b.Method != "") {
		return a.Method != ""
	}
	return len(a.PathPrefix) > len(b.PathPrefix)
}

// prefixMatches reports whether path falls under prefix, honoring '/'
// boundaries: prefix /api/act matches /api/act and /api/act/1 but not
// /api/acts.
func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}
