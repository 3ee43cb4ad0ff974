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

package jwt

import (
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore/lib/defaults"
)

// AssertionClaims is the claim set of a service-to-service assertion.
type AssertionClaims struct {
	jwt.Claims

	// Kid echoes the signing key id. The authoritative copy lives in the
	// protected header; the claim exists for sinks that only see the
	// decoded payload.
	Kid string `json:"kid,omitempty"`

	// Extra carries caller-supplied custom claims.
	Extra map[string]any `json:"extra,omitempty"`
}

// Check enforces the structural invariants of an assertion:
// nbf <= iat <= exp, a lifetime of at most AssertionMaxTTL, a non-empty
// audience and a UUID jti.
func (c *AssertionClaims) Check() error {
	if c.Issuer == "" {
		return trace.BadParameter("missing issuer")
	}
	if len(c.Audience) == 0 {
		return trace.BadParameter("missing audience")
	}
	if c.IssuedAt == nil || c.Expiry == nil || c.NotBefore == nil {
		return trace.BadParameter("missing iat, exp or nbf")
	}
	iat, exp, nbf := c.IssuedAt.Time(), c.Expiry.Time(), c.NotBefore.Time()
	if nbf.After(iat) {
		return trace.BadParameter("nbf %v is after iat %v", nbf, iat)
	}
	if iat.After(exp) {
		return trace.BadParameter("iat %v is after exp %v", iat, exp)
	}
	if exp.Sub(iat) > defaults.AssertionMaxTTL {
		return trace.BadParameter("lifetime %v exceeds maximum %v", exp.Sub(iat), defaults.AssertionMaxTTL)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return trace.BadParameter("jti is not a UUID: %v", err)
	}
	return nil
}
