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

// Package jwks publishes the current public verification keys as an
// RFC 7517 JSON Web Key Set. Keys are sourced from KMS-bound signers
// and served behind a TTL cache with single-flight refresh.
package jwks

import (
	"context"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore/lib/kms"
)

// Source exposes the public half of one signing key. *kms.Signer
// satisfies it.
type Source interface {
	// PublicKeyPEM returns the SPKI PEM of the key.
	PublicKeyPEM() string
	// KID returns the deterministic key id.
	KID() string
}

// Provider converts the configured key sources into a JWK Set.
type Provider struct {
	sources []Source
}

// NewProvider creates a provider over the given key sources.
func NewProvider(sources ...Source) (*Provider, error) {
	if len(sources) == 0 {
		return nil, trace.BadParameter("at least one key source is required")
	}
	return &Provider{sources: sources}, nil
}

// Get converts every source into a JWK and returns the combined set.
// The result is validated: supported curve, distinct non-empty kids.
func (p *Provider) Get(ctx context.Context) (*jose.JSONWebKeySet, error) {
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(p.sources))}
	seen := make(map[string]struct{}, len(p.sources))
	for _, source := range p.sources {
		jwk, err := keyFromSource(source)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, ok := seen[jwk.KeyID]; ok {
			return nil, trace.BadParameter("duplicate kid %q in key set", jwk.KeyID)
		}
		seen[jwk.KeyID] = struct{}{}
		set.Keys = append(set.Keys, *jwk)
	}
	return set, nil
}

func keyFromSource(source Source) (*jose.JSONWebKey, error) {
	kid := source.KID()
	if kid == "" {
		return nil, trace.BadParameter("key source has empty kid")
	}
	public, err := kms.ParseECPublicKeyPEM(source.PublicKeyPEM())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jwk := &jose.JSONWebKey{
		Key:       public,
		KeyID:     kid,
		Use:       "sig",
		Algorithm: string(jose.ES256),
	}
	if !jwk.Valid() {
		return nil, trace.BadParameter("derived jwk for kid %q is invalid", kid)
	}
	return jwk, nil
}
