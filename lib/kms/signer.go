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

// Package kms binds the process to a single asymmetric signing key
// version held in cloud KMS. The private key never leaves KMS: signing
// is performed remotely and exposed to callers as a crypto.Signer.
package kms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"time"

	kmsapi "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/gravitational/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gravitational/meshcore"
)

var log = slog.With(meshcore.ComponentKey, meshcore.ComponentKMS)

// signTimeout bounds a single remote signing call.
const signTimeout = 10 * time.Second

// Client is the subset of the cloud KMS API the signer depends on.
// *kmsapi.KeyManagementClient satisfies it; tests substitute a local
// ECDSA implementation.
type Client interface {
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
}

// NewClient dials the cloud KMS API.
func NewClient(ctx context.Context) (*kmsapi.KeyManagementClient, error) {
	client, err := kmsapi.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, trace.Wrap(convertKMSError(err))
	}
	return client, nil
}

// SignerConfig configures a KMS-backed signer.
type SignerConfig struct {
	// Handle identifies the key version to bind to.
	Handle KeyHandle
	// Client performs the remote KMS calls.
	Client Client
}

// Check validates the configuration.
func (c *SignerConfig) Check() error {
	if err := c.Handle.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	return nil
}

// Signer implements crypto.Signer on top of a KMS-held ES256 key
// version. The public key is resolved once at construction.
type Signer struct {
	cfg    SignerConfig
	public *ecdsa.PublicKey
	pem    string
}

// NewSigner resolves the public key of the configured key version and
// returns a signer bound to it. Fails if the key is not an ECDSA P-256
// key, since minted assertions are ES256 only.
func NewSigner(ctx context.Context, cfg SignerConfig) (*Signer, error) {
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := cfg.Client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: cfg.Handle.ResourceName(),
	})
	if err != nil {
		return nil, trace.Wrap(convertKMSError(err))
	}
	public, err := ParseECPublicKeyPEM(resp.GetPem())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Bound to KMS signing key.", "kid", cfg.Handle.KID())
	return &Signer{
		cfg:    cfg,
		public: public,
		pem:    resp.GetPem(),
	}, nil
}

// Public returns the public key of the bound key version.
func (s *Signer) Public() crypto.PublicKey {
	return s.public
}

// PublicKeyPEM returns the SPKI PEM of the bound key version.
func (s *Signer) PublicKeyPEM() string {
	return s.pem
}

// KID returns the deterministic key id of the bound key version.
func (s *Signer) KID() string {
	return s.cfg.Handle.KID()
}

// Sign sends the precomputed SHA-256 digest to KMS and returns the
// ASN.1 DER encoded signature, matching the crypto.Signer contract for
// ECDSA keys.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.SHA256 {
		return nil, trace.BadParameter("unsupported digest algorithm %v, ES256 requires SHA-256", opts.HashFunc())
	}
	ctx, cancel := context.WithTimeout(context.Background(), signTimeout)
	defer cancel()

	resp, err := s.cfg.Client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.cfg.Handle.ResourceName(),
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest},
		},
	})
	if err != nil {
		return nil, trace.Wrap(convertKMSError(err))
	}
	return resp.GetSignature(), nil
}

// ParseECPublicKeyPEM parses an SPKI PEM block into an ECDSA P-256
// public key.
func ParseECPublicKeyPEM(data string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in public key")
	}
	public, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse public key: %v", err)
	}
	ecKey, ok := public.(*ecdsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("unsupported public key type %T, expected ECDSA", public)
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, trace.BadParameter("unsupported curve %v, ES256 requires P-256", ecKey.Curve.Params().Name)
	}
	return ecKey, nil
}

// MarshalPublicKeyPEM encodes an ECDSA public key as SPKI PEM. Used by
// tests and local tooling; production keys come from KMS already
// PEM-encoded.
func MarshalPublicKeyPEM(key *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// convertKMSError maps gRPC status codes from the KMS API to trace
// error kinds: transient transport conditions become retryable
// connection problems, denials become fatal access errors.
func convertKMSError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return trace.ConnectionProblem(err, "kms unavailable")
	case codes.PermissionDenied, codes.Unauthenticated:
		return trace.AccessDenied("kms denied access: %v", err)
	case codes.NotFound:
		return trace.NotFound("kms key version not found: %v", err)
	default:
		return err
	}
}

// IsRetryable reports whether a KMS error is worth retrying.
func IsRetryable(err error) bool {
	return trace.IsConnectionProblem(err)
}
