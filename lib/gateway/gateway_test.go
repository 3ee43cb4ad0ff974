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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

// newTestGateway assembles a full edge chain in front of the given
// upstream.
func newTestGateway(t *testing.T, upstreamURL string, forceHTTPS bool) *Gateway {
	t.Helper()
	idp := newIdentityProvider(t, "idp")
	authGate := newTestAuthGate(t, idp, AuthGateConfig{})
	policyGate, err := NewPolicyGate(PolicyGateConfig{
		Env: "test",
		Source: mapPolicySource{
			"billing": {Defaults: svcconfig.PolicyDefaults{Public: true}},
		},
	})
	require.NoError(t, err)
	proxy := newTestProxy(t, ProxyConfig{
		Resolver: staticTargets{"billing": {BaseURL: upstreamURL}},
	})
	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 1000, Window: time.Minute})
	require.NoError(t, err)
	readOnly, err := NewReadOnlyGate(ReadOnlyGateConfig{Switch: staticSwitch(false)})
	require.NoError(t, err)

	gw, err := New(Config{
		AuthGate:     authGate,
		PolicyGate:   policyGate,
		Proxy:        proxy,
		RateLimiter:  limiter,
		ReadOnlyGate: readOnly,
		ForceHTTPS:   forceHTTPS,
	})
	require.NoError(t, err)
	return gw
}

func TestGatewayRoutesToUpstream(t *testing.T) {
	t.Parallel()

	var gotPath, gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.Header.Get(meshcore.HeaderAPIVersion)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)
	gw := newTestGateway(t, upstream.URL, false)

	recorder := httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/billing/v2/invoices/7", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "/invoices/7", gotPath)
	require.Equal(t, "v2", gotVersion)
	require.NotEmpty(t, recorder.Header().Get(meshcore.HeaderRequestID))
}

func TestGatewayRejectsBadVersion(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "http://127.0.0.1:1", false)

	for _, version := range []string{"v0", "latest", "v1.2"} {
		recorder := httptest.NewRecorder()
		gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/billing/"+version+"/invoices", nil))
		require.Equal(t, http.StatusBadRequest, recorder.Code, version)
		var problem httplib.Problem
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &problem))
		require.Equal(t, "invalid_api_version", problem.Type)
	}
}

func TestGatewayHealthBypassesGates(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	idp := newIdentityProvider(t, "idp")
	authGate := newTestAuthGate(t, idp, AuthGateConfig{})
	// Everything is private; only the health bypass lets this through.
	policyGate, err := NewPolicyGate(PolicyGateConfig{Env: "test", Source: mapPolicySource{}})
	require.NoError(t, err)
	proxy := newTestProxy(t, ProxyConfig{
		Resolver: staticTargets{"user": {BaseURL: upstream.URL}},
	})
	limiter, err := NewRateLimiter(RateLimiterConfig{Points: 1000, Window: time.Minute})
	require.NoError(t, err)
	readOnly, err := NewReadOnlyGate(ReadOnlyGateConfig{Switch: staticSwitch(false)})
	require.NoError(t, err)
	gw, err := New(Config{
		AuthGate: authGate, PolicyGate: policyGate, Proxy: proxy,
		RateLimiter: limiter, ReadOnlyGate: readOnly,
	})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/user/v1/healthcheck", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	// The same slug without the health path is denied.
	recorder = httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/user/v1/profile", nil))
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestGatewayNotFound(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "http://127.0.0.1:1", false)

	recorder := httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
	var problem httplib.Problem
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &problem))
	require.Equal(t, "route_not_found", problem.Type)
}

func TestGatewayHTTPSRedirect(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "http://127.0.0.1:1", true)

	recorder := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://edge.example.com/api/billing/v1/invoices", nil)
	gw.Handler().ServeHTTP(recorder, r)
	require.Equal(t, http.StatusPermanentRedirect, recorder.Code)
	require.Equal(t, "https://edge.example.com/api/billing/v1/invoices", recorder.Header().Get("Location"))

	// Terminated TLS hops pass through on the forwarded proto.
	upstreamSeen := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSeen = true
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)
	gw = newTestGateway(t, upstream.URL, true)
	recorder = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "http://edge.example.com/api/billing/v1/invoices", nil)
	r.Header.Set(meshcore.HeaderForwardedProto, "https")
	gw.Handler().ServeHTTP(recorder, r)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.True(t, upstreamSeen)
}
