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
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestMatchPrecedence(t *testing.T) {
	t.Parallel()

	policy := &RoutePolicy{
		Defaults: PolicyDefaults{Public: false},
		Rules: []RouteRule{
			{PathPrefix: "/", Public: true},
			{PathPrefix: "/admin", MinAccessLevel: 3},
			{Method: http.MethodGet, PathPrefix: "/admin", MinAccessLevel: 1},
			{PathPrefix: "/admin/audit", MinAccessLevel: 5},
		},
	}
	require.NoError(t, policy.Check())

	// Explicit method beats any-method even when the any-method rule
	// has a longer prefix.
	decision, err := policy.Match(http.MethodGet, "/admin/audit")
	require.NoError(t, err)
	require.Equal(t, 1, decision.MinAccessLevel)

	// Without a method match the longest prefix wins.
	decision, err = policy.Match(http.MethodPost, "/admin/audit")
	require.NoError(t, err)
	require.Equal(t, 5, decision.MinAccessLevel)

	decision, err = policy.Match(http.MethodPost, "/admin")
	require.NoError(t, err)
	require.Equal(t, 3, decision.MinAccessLevel)

	// The catch-all root rule still applies elsewhere.
	decision, err = policy.Match(http.MethodGet, "/status")
	require.NoError(t, err)
	require.True(t, decision.Public)
	require.Zero(t, decision.MinAccessLevel)
}

func TestMatchPrefixBoundaries(t *testing.T) {
	t.Parallel()

	policy := &RoutePolicy{
		Defaults: PolicyDefaults{Public: true},
		Rules: []RouteRule{
			{PathPrefix: "/api/act", MinAccessLevel: 2},
		},
	}

	testCases := []struct {
		path    string
		matched bool
	}{
		{path: "/api/act", matched: true},
		{path: "/api/act/7", matched: true},
		{path: "/api/acts", matched: false},
		{path: "/api/action", matched: false},
		{path: "/API/act", matched: false},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			decision, err := policy.Match(http.MethodGet, tc.path)
			require.NoError(t, err)
			if tc.matched {
				require.NotNil(t, decision.Rule)
				require.Equal(t, 2, decision.MinAccessLevel)
			} else {
				require.Nil(t, decision.Rule)
				require.True(t, decision.Public)
			}
		})
	}
}

func TestMatchDefaults(t *testing.T) {
	t.Parallel()

	policy := &RoutePolicy{
		Defaults: PolicyDefaults{Public: false, UserAssertion: UserAssertionRequired},
	}
	decision, err := policy.Match(http.MethodGet, "/anything")
	require.NoError(t, err)
	require.Nil(t, decision.Rule)
	require.False(t, decision.Public)
	require.Equal(t, UserAssertionRequired, decision.UserAssertion)

	// Unset assertion mode resolves to optional.
	policy = &RoutePolicy{}
	decision, err = policy.Match(http.MethodGet, "/anything")
	require.NoError(t, err)
	require.Equal(t, UserAssertionOptional, decision.UserAssertion)
}

func TestMatchTieFailsClosed(t *testing.T) {
	t.Parallel()

	// Equal-specificity rules only reach Match through a directory that
	// skipped validation; the request must fail rather than pick one.
	policy := &RoutePolicy{
		Rules: []RouteRule{
			{Method: http.MethodGet, PathPrefix: "/a", Public: true},
			{Method: http.MethodGet, PathPrefix: "/a", MinAccessLevel: 3},
		},
	}
	_, err := policy.Match(http.MethodGet, "/a/b")
	require.ErrorIs(t, err, ErrAmbiguousPolicy)
}

func TestPolicyCheckRejectsDuplicates(t *testing.T) {
	t.Parallel()

	policy := &RoutePolicy{
		Rules: []RouteRule{
			{Method: http.MethodGet, PathPrefix: "/a"},
			{Method: http.MethodGet, PathPrefix: "/a"},
		},
	}
	require.True(t, trace.IsBadParameter(policy.Check()))

	policy = &RoutePolicy{Rules: []RouteRule{{PathPrefix: "no-slash"}}}
	require.True(t, trace.IsBadParameter(policy.Check()))

	policy = &RoutePolicy{Rules: []RouteRule{{PathPrefix: "/a", UserAssertion: "sometimes"}}}
	require.True(t, trace.IsBadParameter(policy.Check()))
}
