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
	"errors"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/jwt"
)

// AuthGateConfig configures the user assertion gate.
type AuthGateConfig struct {
	// Verifier validates inbound user assertions against the identity
	// provider's JWKS.
	Verifier *jwt.Verifier
	// PublicPrefixes lists path prefixes where mutating methods do not
	// require a user assertion.
	PublicPrefixes []string
	// GETRequireAuthPrefixes lists path prefixes where even GET
	// requires a user assertion.
	GETRequireAuthPrefixes []string
}

// AuthGate enforces the end-user assertion requirement: GET is public
// unless listed, everything else requires auth unless exempted. A
// present assertion is always verified, required or not.
type AuthGate struct {
	cfg AuthGateConfig
}

// NewAuthGate creates the gate.
func NewAuthGate(cfg AuthGateConfig) (*AuthGate, error) {
	if cfg.Verifier == nil {
		return nil, trace.BadParameter("missing parameter Verifier")
	}
	return &AuthGate{cfg: cfg}, nil
}

// Check verifies the request's user assertion per the path rules and
// attaches the claims to rc. Returns a StatusError on denial.
func (g *AuthGate) Check(r *http.Request, rc *RequestContext) error {
	required := g.required(r.Method, r.URL.Path)
	token := r.Header.Get(meshcore.HeaderUserAssertion)
	if token == "" {
		if required {
			return httplib.NewStatusError(http.StatusUnauthorized,
				"missing_user_assertion", "the request requires an end-user assertion")
		}
		return nil
	}
	claims, err := g.cfg.Verifier.Verify(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrClaimMismatch):
			return httplib.NewStatusError(http.StatusForbidden,
				"user_assertion_claims_mismatch", "the user assertion was issued for a different audience or issuer")
		case errors.Is(err, jwt.ErrJWKSUnavailable):
			return httplib.NewStatusError(http.StatusBadGateway,
				"jwks_unavailable", "the verification keys are temporarily unavailable")
		default:
			return httplib.NewStatusError(http.StatusUnauthorized,
				"invalid_user_assertion", "the user assertion is invalid or expired")
		}
	}
	rc.UserClaims = claims
	return nil
}

func (g *AuthGate) required(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return matchesAny(path, g.cfg.GETRequireAuthPrefixes)
	}
	return !matchesAny(path, g.cfg.PublicPrefixes)
}

func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
