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

// Package config loads the gateway configuration from the environment.
// Required variables fail startup loudly; nothing is silently
// defaulted that an operator must choose.
package config

import (
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/kelseyhightower/envconfig"

	"github.com/gravitational/meshcore/lib/defaults"
)

// Config is the full process configuration.
type Config struct {
	Mesh    MeshConfig
	S2S     S2SConfig
	KMS     KMSConfig
	Gateway GatewayConfig
	Audit   AuditConfig
}

// MeshConfig identifies this process inside the mesh.
type MeshConfig struct {
	// Env is the mesh environment the directory is scoped to.
	Env string `envconfig:"MESH_ENV" default:"dev"`
	// ServiceName is this process's slug, used as the assertion issuer.
	ServiceName string `envconfig:"SERVICE_NAME" default:"gateway"`
	// EdgeListenAddr is the public listener address.
	EdgeListenAddr string `envconfig:"EDGE_LISTEN_ADDR" default:":8080"`
	// InternalListenAddr is the control plane listener address.
	InternalListenAddr string `envconfig:"INTERNAL_LISTEN_ADDR" default:":8081"`
	// SvcconfigBaseURL is the facilitator's base URL, used to bootstrap
	// routing before the first directory snapshot exists.
	SvcconfigBaseURL string `envconfig:"SVCCONFIG_BASE_URL" required:"true"`
	// SvcconfigRefreshMS is the directory refresh period.
	SvcconfigRefreshMS int `envconfig:"SVCCONFIG_REFRESH_MS" default:"30000"`
}

// S2SConfig configures assertion minting and verification. Only the
// clock skew carries a default; everything else is an operator choice.
type S2SConfig struct {
	JWKSURL        string `envconfig:"S2S_JWKS_URL" required:"true"`
	Issuer         string `envconfig:"S2S_JWT_ISSUER" required:"true"`
	Audience       string `envconfig:"S2S_JWT_AUDIENCE" required:"true"`
	ClockSkewSec   int    `envconfig:"S2S_CLOCK_SKEW_SEC" default:"30"`
	JWKSCooldownMS int    `envconfig:"S2S_JWKS_COOLDOWN_MS" required:"true"`
	JWKSTimeoutMS  int    `envconfig:"S2S_JWKS_TIMEOUT_MS" required:"true"`
	MaxTTLSec      int    `envconfig:"S2S_MAX_TTL_SEC" required:"true"`
}

// KMSConfig binds the signing key version and the JWKS cache.
type KMSConfig struct {
	ProjectID      string `envconfig:"KMS_PROJECT_ID" required:"true"`
	LocationID     string `envconfig:"KMS_LOCATION_ID" required:"true"`
	KeyRingID      string `envconfig:"KMS_KEY_RING_ID" required:"true"`
	KeyID          string `envconfig:"KMS_KEY_ID" required:"true"`
	KeyVersion     string `envconfig:"KMS_KEY_VERSION" required:"true"`
	JWTAlg         string `envconfig:"KMS_JWT_ALG" required:"true"`
	JWKSCacheTTLMS int    `envconfig:"NV_JWKS_CACHE_TTL_MS" required:"true"`
}

// GatewayConfig configures the edge middleware chain. The proxy
// timeout and the policy cache TTL carry stated defaults; every other
// knob must be set explicitly so a deployment never runs on a sizing
// nobody chose.
type GatewayConfig struct {
	ForceHTTPS                   bool     `envconfig:"FORCE_HTTPS" required:"true"`
	ReadOnlyMode                 bool     `envconfig:"READ_ONLY_MODE" required:"true"`
	ReadOnlyExemptPrefixes       []string `envconfig:"READ_ONLY_EXEMPT_PREFIXES"`
	RateLimitPoints              int      `envconfig:"RATE_LIMIT_POINTS" required:"true"`
	RateLimitWindowMS            int      `envconfig:"RATE_LIMIT_WINDOW_MS" required:"true"`
	InternalProxyTimeoutMS       int      `envconfig:"INTERNAL_PROXY_TIMEOUT_MS" default:"6000"`
	AuthPublicPrefixes           []string `envconfig:"AUTH_PUBLIC_PREFIXES"`
	PublicGETRequireAuthPrefixes []string `envconfig:"PUBLIC_GET_REQUIRE_AUTH_PREFIXES"`
	PolicyCacheTTLMS             int      `envconfig:"POLICY_CACHE_TTL_MS" default:"30000"`
}

// AuditConfig configures the write-ahead journal and its dispatcher.
type AuditConfig struct {
	WALDir            string `envconfig:"WAL_DIR" required:"true"`
	FileMaxMB         int    `envconfig:"WAL_FILE_MAX_MB" required:"true"`
	RetentionDays     int    `envconfig:"WAL_RETENTION_DAYS" required:"true"`
	RingMaxEvents     int    `envconfig:"WAL_RING_MAX_EVENTS" required:"true"`
	BatchSize         int    `envconfig:"WAL_BATCH_SIZE" required:"true"`
	DropAfterMB       int    `envconfig:"WAL_DROP_AFTER_MB" required:"true"`
	DispatchTimeoutMS int    `envconfig:"WAL_DISPATCH_TIMEOUT_MS" required:"true"`
	MaxRetryMS        int    `envconfig:"WAL_MAX_RETRY_MS" required:"true"`
	NDJSON            bool   `envconfig:"AUDIT_NDJSON" default:"true"`
	TargetSlug        string `envconfig:"AUDIT_TARGET_SLUG" required:"true"`
	TargetVersion     int    `envconfig:"AUDIT_TARGET_VERSION" required:"true"`
	TargetPath        string `envconfig:"AUDIT_TARGET_PATH" required:"true"`
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Check validates cross-field constraints envconfig cannot express.
func (c *Config) Check() error {
	if c.Gateway.RateLimitPoints <= 0 {
		return trace.BadParameter("RATE_LIMIT_POINTS must be > 0, got %v", c.Gateway.RateLimitPoints)
	}
	if c.Gateway.RateLimitWindowMS <= 0 {
		return trace.BadParameter("RATE_LIMIT_WINDOW_MS must be > 0, got %v", c.Gateway.RateLimitWindowMS)
	}
	if !filepath.IsAbs(c.Audit.WALDir) {
		return trace.BadParameter("WAL_DIR must be an absolute path, got %q", c.Audit.WALDir)
	}
	if maxTTL := time.Duration(c.S2S.MaxTTLSec) * time.Second; maxTTL > defaults.AssertionMaxTTL {
		return trace.BadParameter("S2S_MAX_TTL_SEC %v exceeds the ceiling of %v", c.S2S.MaxTTLSec, int(defaults.AssertionMaxTTL.Seconds()))
	}
	if c.S2S.MaxTTLSec <= 0 {
		return trace.BadParameter("S2S_MAX_TTL_SEC must be > 0, got %v", c.S2S.MaxTTLSec)
	}
	if c.S2S.JWKSCooldownMS <= 0 {
		return trace.BadParameter("S2S_JWKS_COOLDOWN_MS must be > 0, got %v", c.S2S.JWKSCooldownMS)
	}
	if c.S2S.JWKSTimeoutMS <= 0 {
		return trace.BadParameter("S2S_JWKS_TIMEOUT_MS must be > 0, got %v", c.S2S.JWKSTimeoutMS)
	}
	if c.KMS.JWTAlg != "ES256" {
		return trace.BadParameter("unsupported KMS_JWT_ALG %q, only ES256 is supported", c.KMS.JWTAlg)
	}
	if c.KMS.JWKSCacheTTLMS <= 0 {
		return trace.BadParameter("NV_JWKS_CACHE_TTL_MS must be > 0, got %v", c.KMS.JWKSCacheTTLMS)
	}
	for name, value := range map[string]int{
		"WAL_FILE_MAX_MB":         c.Audit.FileMaxMB,
		"WAL_RETENTION_DAYS":      c.Audit.RetentionDays,
		"WAL_RING_MAX_EVENTS":     c.Audit.RingMaxEvents,
		"WAL_BATCH_SIZE":          c.Audit.BatchSize,
		"WAL_DROP_AFTER_MB":       c.Audit.DropAfterMB,
		"WAL_DISPATCH_TIMEOUT_MS": c.Audit.DispatchTimeoutMS,
		"WAL_MAX_RETRY_MS":        c.Audit.MaxRetryMS,
		"AUDIT_TARGET_VERSION":    c.Audit.TargetVersion,
	} {
		if value <= 0 {
			return trace.BadParameter("%v must be > 0, got %v", name, value)
		}
	}
	return nil
}

// ClockSkew returns the verifier leeway.
func (c *S2SConfig) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSec) * time.Second
}

// JWKSCooldown returns the verifier fetch cooldown.
func (c *S2SConfig) JWKSCooldown() time.Duration {
	return time.Duration(c.JWKSCooldownMS) * time.Millisecond
}

// JWKSTimeout returns the verifier fetch timeout.
func (c *S2SConfig) JWKSTimeout() time.Duration {
	return time.Duration(c.JWKSTimeoutMS) * time.Millisecond
}

// MaxTTL returns the assertion TTL ceiling.
func (c *S2SConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSec) * time.Second
}

// JWKSCacheTTL returns the served JWKS cache TTL.
func (c *KMSConfig) JWKSCacheTTL() time.Duration {
	return time.Duration(c.JWKSCacheTTLMS) * time.Millisecond
}

// RateLimitWindow returns the fixed rate limit window.
func (c *GatewayConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// InternalProxyTimeout returns the per-exchange proxy deadline.
func (c *GatewayConfig) InternalProxyTimeout() time.Duration {
	return time.Duration(c.InternalProxyTimeoutMS) * time.Millisecond
}

// PolicyCacheTTL returns the route policy decision cache TTL.
func (c *GatewayConfig) PolicyCacheTTL() time.Duration {
	return time.Duration(c.PolicyCacheTTLMS) * time.Millisecond
}

// SvcconfigRefresh returns the directory refresh period.
func (c *MeshConfig) SvcconfigRefresh() time.Duration {
	return time.Duration(c.SvcconfigRefreshMS) * time.Millisecond
}

// FileMaxBytes returns the journal rotation threshold.
func (c *AuditConfig) FileMaxBytes() int64 {
	return int64(c.FileMaxMB) << 20
}

// DropAfterBytes returns the journal disk budget.
func (c *AuditConfig) DropAfterBytes() int64 {
	return int64(c.DropAfterMB) << 20
}

// DispatchTimeout returns the per-batch dispatch deadline.
func (c *AuditConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutMS) * time.Millisecond
}

// MaxRetry returns the drain backoff ceiling.
func (c *AuditConfig) MaxRetry() time.Duration {
	return time.Duration(c.MaxRetryMS) * time.Millisecond
}
