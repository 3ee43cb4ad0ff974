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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/jwt"
)

// identityProvider is a minter plus a JWKS endpoint its tokens verify
// against.
type identityProvider struct {
	minter *jwt.Minter
	jwks   *httptest.Server
}

func newIdentityProvider(t *testing.T, issuer string) *identityProvider {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	minter, err := jwt.NewMinter(jwt.MinterConfig{
		Signer: key,
		KeyID:  "test-kid",
		Issuer: issuer,
		MaxTTL: 5 * time.Minute,
	})
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "test-kid", Use: "sig", Algorithm: "ES256",
		}}}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(server.Close)
	return &identityProvider{minter: minter, jwks: server}
}

func (p *identityProvider) assertion(t *testing.T, audience, subject string) string {
	t.Helper()
	token, err := p.minter.Mint(jwt.MintParams{Audience: audience, Subject: subject})
	require.NoError(t, err)
	return token
}

func requireStatusError(t *testing.T, err error, code int, problemType string) {
	t.Helper()
	var se *httplib.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, code, se.Code)
	require.Equal(t, problemType, se.Problem.Type)
}

func newTestAuthGate(t *testing.T, idp *identityProvider, cfg AuthGateConfig) *AuthGate {
	t.Helper()
	verifier, err := jwt.NewVerifier(jwt.VerifierConfig{
		JWKSURL:  idp.jwks.URL,
		Issuer:   "idp",
		Audience: "gateway",
	})
	require.NoError(t, err)
	cfg.Verifier = verifier
	gate, err := NewAuthGate(cfg)
	require.NoError(t, err)
	return gate
}

func TestAuthGateRequirements(t *testing.T) {
	t.Parallel()

	idp := newIdentityProvider(t, "idp")
	gate := newTestAuthGate(t, idp, AuthGateConfig{
		PublicPrefixes:         []string{"/api/auth"},
		GETRequireAuthPrefixes: []string{"/api/account"},
	})

	check := func(method, path, token string) error {
		r := httptest.NewRequest(method, path, nil)
		if token != "" {
			r.Header.Set(meshcore.HeaderUserAssertion, token)
		}
		return gate.Check(r, &RequestContext{})
	}

	// GET is anonymous by default.
	require.NoError(t, check(http.MethodGet, "/api/billing/v1/invoices", ""))
	require.NoError(t, check(http.MethodHead, "/api/billing/v1/invoices", ""))

	// Mutations require an assertion unless the prefix is public.
	err := check(http.MethodPost, "/api/billing/v1/invoices", "")
	requireStatusError(t, err, http.StatusUnauthorized, "missing_user_assertion")
	require.NoError(t, check(http.MethodPost, "/api/auth/v1/login", ""))

	// Listed prefixes require auth even for GET.
	err = check(http.MethodGet, "/api/account/v1/profile", "")
	requireStatusError(t, err, http.StatusUnauthorized, "missing_user_assertion")

	token := idp.assertion(t, "gateway", "user-1")
	require.NoError(t, check(http.MethodGet, "/api/account/v1/profile", token))
	require.NoError(t, check(http.MethodPost, "/api/billing/v1/invoices", token))
}

func TestAuthGateVerifiesOptionalAssertions(t *testing.T) {
	t.Parallel()

	idp := newIdentityProvider(t, "idp")
	gate := newTestAuthGate(t, idp, AuthGateConfig{})

	// A garbage assertion on an anonymous-allowed route still fails.
	r := httptest.NewRequest(http.MethodGet, "/api/billing/v1/invoices", nil)
	r.Header.Set(meshcore.HeaderUserAssertion, "not-a-token")
	err := gate.Check(r, &RequestContext{})
	requireStatusError(t, err, http.StatusUnauthorized, "invalid_user_assertion")

	// A wrong-audience assertion is a claims mismatch.
	r = httptest.NewRequest(http.MethodGet, "/api/billing/v1/invoices", nil)
	r.Header.Set(meshcore.HeaderUserAssertion, idp.assertion(t, "someone-else", "user-1"))
	err = gate.Check(r, &RequestContext{})
	requireStatusError(t, err, http.StatusForbidden, "user_assertion_claims_mismatch")
}

func TestAuthGateAttachesClaims(t *testing.T) {
	t.Parallel()

	idp := newIdentityProvider(t, "idp")
	gate := newTestAuthGate(t, idp, AuthGateConfig{})

	rc := &RequestContext{}
	r := httptest.NewRequest(http.MethodPost, "/api/billing/v1/invoices", nil)
	r.Header.Set(meshcore.HeaderUserAssertion, idp.assertion(t, "gateway", "user-7"))
	require.NoError(t, gate.Check(r, rc))
	require.NotNil(t, rc.UserClaims)
	require.Equal(t, "user-7", rc.UserClaims.Subject)
	require.Equal(t, "user-7", UserIDForRequest(r.WithContext(WithRequestContext(r.Context(), rc))))
}

func TestAuthGateJWKSOutage(t *testing.T) {
	t.Parallel()

	idp := newIdentityProvider(t, "idp")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	verifier, err := jwt.NewVerifier(jwt.VerifierConfig{
		JWKSURL:  broken.URL,
		Issuer:   "idp",
		Audience: "gateway",
	})
	require.NoError(t, err)
	gate, err := NewAuthGate(AuthGateConfig{Verifier: verifier})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/billing/v1/invoices", nil)
	r.Header.Set(meshcore.HeaderUserAssertion, idp.assertion(t, "gateway", "user-1"))
	err = gate.Check(r, &RequestContext{})
	requireStatusError(t, err, http.StatusBadGateway, "jwks_unavailable")
}
