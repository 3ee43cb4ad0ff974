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
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/defaults"
)

// maxJWKSBody bounds a fetched JWKS document.
const maxJWKSBody = 1 << 20

// VerifierConfig configures an inbound assertion verifier.
type VerifierConfig struct {
	// JWKSURL is the address of the remote JWKS document.
	JWKSURL string

	// Issuer is the expected iss claim of inbound tokens.
	Issuer string

	// Audience is the expected aud claim, normally this service's slug.
	Audience string

	// ClockSkew is the leeway applied to exp and nbf.
	ClockSkew time.Duration

	// FetchTimeout bounds a single JWKS fetch.
	FetchTimeout time.Duration

	// Cooldown is how long fetches are suppressed after a failure.
	Cooldown time.Duration

	// Client performs the JWKS fetches. Defaults to an otel
	// instrumented client.
	Client *http.Client

	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *VerifierConfig) CheckAndSetDefaults() error {
	if c.JWKSURL == "" {
		return trace.BadParameter("missing parameter JWKSURL")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.Audience == "" {
		return trace.BadParameter("missing parameter Audience")
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaults.VerifyClockSkew
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaults.JWKSFetchTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.JWKSFetchCooldown
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Verifier verifies inbound bearer assertions against a remote JWKS.
// The key set is cached and refreshed when an unknown kid appears;
// fetch failures open a cooldown window during which no further
// fetches are attempted. The verifier never consults static secrets.
type Verifier struct {
	cfg     VerifierConfig
	log     *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

// NewVerifier creates a verifier for the given JWKS endpoint.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{
		cfg:  cfg,
		log:  slog.With(meshcore.ComponentKey, meshcore.ComponentVerifier),
		keys: make(map[string]*ecdsa.PublicKey),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "jwks-fetch",
			Timeout: cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		}),
	}, nil
}

// Verify parses and verifies a compact serialized token: signature by
// kid against the remote key set, then iss, aud, exp and nbf with the
// configured skew.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*AssertionClaims, error) {
	token, err := jwt.ParseSigned(rawToken, allowedAlgorithms)
	if err != nil {
		return nil, trace.Wrap(ErrTokenInvalid, "failed to parse token: %v", err)
	}
	if len(token.Headers) != 1 {
		return nil, trace.Wrap(ErrTokenInvalid, "expected one signature, got %v", len(token.Headers))
	}
	kid := token.Headers[0].KeyID
	if kid == "" {
		return nil, trace.Wrap(ErrTokenInvalid, "token header is missing kid")
	}

	key, err := v.keyFor(ctx, kid)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var claims AssertionClaims
	if err := token.Claims(key, &claims); err != nil {
		return nil, trace.Wrap(ErrTokenInvalid, "failed to verify signature: %v", err)
	}
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      v.cfg.Issuer,
		AnyAudience: jwt.Audience{v.cfg.Audience},
		Time:        v.cfg.Clock.Now(),
	}, v.cfg.ClockSkew)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrInvalidIssuer), errors.Is(err, jwt.ErrInvalidAudience):
		return nil, trace.Wrap(ErrClaimMismatch, "%v", err)
	default:
		return nil, trace.Wrap(ErrTokenInvalid, "%v", err)
	}
	return &claims, nil
}

// keyFor returns the verification key for kid, refreshing the cached
// key set once if the kid is unknown.
func (v *Verifier) keyFor(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if err := v.refresh(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, trace.Wrap(ErrTokenInvalid, "no verification key with kid %q", kid)
	}
	return key, nil
}

func (v *Verifier) refresh(ctx context.Context) error {
	_, err := v.breaker.Execute(func() (any, error) {
		keys, err := v.fetch(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		v.mu.Lock()
		v.keys = keys
		v.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return trace.Wrap(ErrJWKSUnavailable, "jwks fetch is cooling down after failure")
		}
		return trace.Wrap(ErrJWKSUnavailable, "%v", err)
	}
	return nil
}

func (v *Verifier) fetch(ctx context.Context) (map[string]*ecdsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := v.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to fetch jwks from %v", v.cfg.JWKSURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "jwks endpoint %v returned status %v", v.cfg.JWKSURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read jwks response")
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, trace.BadParameter("failed to parse jwks document: %v", err)
	}
	if len(set.Keys) == 0 {
		return nil, trace.BadParameter("jwks document contains no keys")
	}
	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		ecKey, ok := jwk.Key.(*ecdsa.PublicKey)
		if !ok {
			v.log.WarnContext(ctx, "Skipping non-ECDSA key in jwks document.", "kid", jwk.KeyID)
			continue
		}
		if jwk.KeyID == "" {
			return nil, trace.BadParameter("jwks key is missing kid")
		}
		keys[jwk.KeyID] = ecKey
	}
	if len(keys) == 0 {
		return nil, trace.BadParameter("jwks document contains no usable ES256 keys")
	}
	v.log.DebugContext(ctx, "Refreshed verification key set.", "keys", len(keys))
	return keys, nil
}
