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
	"crypto"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/meshcore/lib/defaults"
)

// MinterConfig configures an assertion minter.
type MinterConfig struct {
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock

	// Signer holds the ES256 signing key, typically KMS-backed.
	Signer crypto.Signer

	// KeyID is the kid attached to minted tokens.
	KeyID string

	// Issuer is the slug of this service, minted as iss.
	Issuer string

	// MaxTTL clamps requested token lifetimes. Itself clamped to
	// defaults.AssertionMaxTTL.
	MaxTTL time.Duration

	// NotBeforeSkew backdates nbf to absorb clock drift between
	// services. Bounded to [30s, 60s].
	NotBeforeSkew time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *MinterConfig) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.KeyID == "" {
		return trace.BadParameter("missing parameter KeyID")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxTTL <= 0 || c.MaxTTL > defaults.AssertionMaxTTL {
		c.MaxTTL = defaults.AssertionMaxTTL
	}
	if c.NotBeforeSkew == 0 {
		c.NotBeforeSkew = defaults.AssertionNotBeforeSkew
	}
	if c.NotBeforeSkew < defaults.AssertionNotBeforeSkewMin || c.NotBeforeSkew > defaults.AssertionNotBeforeSkewMax {
		return trace.BadParameter("NotBeforeSkew %v outside of [%v, %v]",
			c.NotBeforeSkew, defaults.AssertionNotBeforeSkewMin, defaults.AssertionNotBeforeSkewMax)
	}
	return nil
}

// Minter mints short-lived bearer assertions for outbound
// service-to-service calls.
type Minter struct {
	cfg MinterConfig
	key *Key
}

// NewMinter creates a minter bound to the given signing key.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := New(&Config{
		Clock:  cfg.Clock,
		Signer: cfg.Signer,
		KeyID:  cfg.KeyID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Minter{cfg: cfg, key: key}, nil
}

// MintParams describes one assertion to mint.
type MintParams struct {
	// Audience is the slug of the target service. Required.
	Audience string
	// Subject identifies the principal the call is made for; defaults
	// to the issuer for plain machine calls.
	Subject string
	// TTL is the requested lifetime; clamped to the minter maximum.
	TTL time.Duration
	// Extra carries custom claims.
	Extra map[string]any
}

// Mint builds, validates and signs a fresh assertion.
func (m *Minter) Mint(p MintParams) (string, error) {
	if p.Audience == "" {
		return "", trace.BadParameter("missing parameter Audience")
	}
	ttl := p.TTL
	if ttl <= 0 || ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	subject := p.Subject
	if subject == "" {
		subject = m.cfg.Issuer
	}
	now := m.cfg.Clock.Now()
	claims := AssertionClaims{
		Claims: jwt.Claims{
			Issuer:    m.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.Audience{p.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-m.cfg.NotBeforeSkew)),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kid:   m.cfg.KeyID,
		Extra: p.Extra,
	}
	token, err := m.key.Sign(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Issuer returns the slug minted as iss.
func (m *Minter) Issuer() string {
	return m.cfg.Issuer
}
