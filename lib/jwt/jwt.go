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

// Package jwt mints and verifies the short-lived ES256 bearer
// assertions that authenticate service-to-service calls. Signing runs
// through a crypto.Signer so the private key can live in cloud KMS;
// verification runs against published JWKS documents.
package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/cryptosigner"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Error classes surfaced by verification. The gateway translates them
// to HTTP statuses: invalid tokens are 401, claim mismatches 403 and
// key set failures 502.
var (
	// ErrTokenInvalid marks malformed, badly signed, expired or
	// not-yet-valid tokens.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrClaimMismatch marks tokens whose issuer or audience does not
	// match expectations.
	ErrClaimMismatch = errors.New("token claim mismatch")

	// ErrJWKSUnavailable marks verification failures caused by the
	// remote key set being unreachable.
	ErrJWKSUnavailable = errors.New("jwks unavailable")
)

// allowedAlgorithms is the closed set of accepted signature algorithms.
var allowedAlgorithms = []jose.SignatureAlgorithm{jose.ES256}

// Config defines the signing or verifying key material for a Key.
type Config struct {
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock

	// Signer signs tokens. Optional; a verify-only Key omits it.
	Signer crypto.Signer

	// PublicKey verifies tokens. Derived from Signer when unset.
	PublicKey crypto.PublicKey

	// KeyID is attached to the protected header of signed tokens.
	// Required when Signer is set.
	KeyID string
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Signer == nil && c.PublicKey == nil {
		return trace.BadParameter("provide either Signer or PublicKey")
	}
	if c.Signer != nil {
		if c.KeyID == "" {
			return trace.BadParameter("missing parameter KeyID")
		}
		if c.PublicKey == nil {
			c.PublicKey = c.Signer.Public()
		}
	}
	if c.PublicKey != nil {
		if _, ok := c.PublicKey.(*ecdsa.PublicKey); !ok {
			return trace.BadParameter("unsupported public key type %T, ES256 requires ECDSA", c.PublicKey)
		}
	}
	return nil
}

// Key signs and verifies compact serialized assertions with a single
// ES256 key.
type Key struct {
	cfg    Config
	signer jose.Signer
}

// New creates a Key from the given configuration.
func New(cfg *Config) (*Key, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	k := &Key{cfg: *cfg}
	if cfg.Signer != nil {
		signer, err := jose.NewSigner(jose.SigningKey{
			Algorithm: jose.ES256,
			Key: &jose.JSONWebKey{
				Key:   cryptosigner.Opaque(cfg.Signer),
				KeyID: cfg.KeyID,
			},
		}, (&jose.SignerOptions{}).WithType("JWT"))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		k.signer = signer
	}
	return k, nil
}

// Sign validates the claim set and returns its compact serialization
// signed with the configured key.
func (k *Key) Sign(claims AssertionClaims) (string, error) {
	if k.signer == nil {
		return "", trace.BadParameter("can not sign token with non-signing key")
	}
	if err := claims.Check(); err != nil {
		return "", trace.Wrap(err)
	}
	token, err := jwt.Signed(k.signer).Claims(claims).Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// VerifyParams pins the expectations an inbound token must satisfy.
type VerifyParams struct {
	// RawToken is the compact serialized token.
	RawToken string
	// Issuer is the expected iss claim.
	Issuer string
	// Audience is the expected aud claim.
	Audience string
	// Skew is the leeway applied to exp and nbf.
	Skew time.Duration
}

// Verify checks the token signature against the configured public key
// and validates issuer, audience, expiry and not-before with the given
// clock skew.
func (k *Key) Verify(p VerifyParams) (*AssertionClaims, error) {
	token, err := jwt.ParseSigned(p.RawToken, allowedAlgorithms)
	if err != nil {
		return nil, trace.Wrap(ErrTokenInvalid, "failed to parse token: %v", err)
	}
	var claims AssertionClaims
	if err := token.Claims(k.cfg.PublicKey, &claims); err != nil {
		return nil, trace.Wrap(ErrTokenInvalid, "failed to verify signature: %v", err)
	}
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      p.Issuer,
		AnyAudience: jwt.Audience{p.Audience},
		Time:        k.cfg.Clock.Now(),
	}, p.Skew)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrInvalidIssuer), errors.Is(err, jwt.ErrInvalidAudience):
		return nil, trace.Wrap(ErrClaimMismatch, "%v", err)
	default:
		return nil, trace.Wrap(ErrTokenInvalid, "%v", err)
	}
	return &claims, nil
}

// KeyID returns the kid attached to tokens signed by this key.
func (k *Key) KeyID() string {
	return k.cfg.KeyID
}
