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

// Package service is the composition root: it builds the KMS signer,
// the token minter and verifier, the svcconfig mirror, the audit
// pipeline and both HTTP listeners, and runs them until shutdown.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/audit"
	"github.com/gravitational/meshcore/lib/config"
	"github.com/gravitational/meshcore/lib/defaults"
	"github.com/gravitational/meshcore/lib/gateway"
	"github.com/gravitational/meshcore/lib/jwks"
	"github.com/gravitational/meshcore/lib/jwt"
	"github.com/gravitational/meshcore/lib/kms"
	"github.com/gravitational/meshcore/lib/s2s"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

// Service owns every long-lived component of the gateway process.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	signer    *kms.Signer
	minter    *jwt.Minter
	verifier  *jwt.Verifier
	jwksCache *jwks.Cache
	s2sClient *s2s.Client
	svcClient *svcconfig.Client
	mirror    *svcconfig.Mirror
	wal       *audit.WAL
	gw        *gateway.Gateway
	readOnly  *config.ReadOnlyFlag
	internal  http.Handler

	draining atomic.Bool
}

// mirrorResolver adapts the svcconfig mirror to the outbound client's
// resolver port.
type mirrorResolver struct {
	mirror *svcconfig.Mirror
	env    string
}

// BaseURL implements s2s.Resolver.
func (r mirrorResolver) BaseURL(slug string, version int) (string, error) {
	record, err := r.mirror.ResolveTarget(r.env, slug, version)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return record.BaseURL, nil
}

// New wires the whole process. The initial svcconfig fetch and the KMS
// key binding must succeed; everything else degrades at runtime.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing parameter cfg")
	}
	s := &Service{
		cfg:   cfg,
		log:   slog.With(meshcore.ComponentKey, meshcore.ComponentInternal),
		clock: clockwork.NewRealClock(),
	}

	kmsClient, err := kms.NewClient(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.signer, err = kms.NewSigner(ctx, kms.SignerConfig{
		Handle: kms.KeyHandle{
			Project:  cfg.KMS.ProjectID,
			Location: cfg.KMS.LocationID,
			Ring:     cfg.KMS.KeyRingID,
			Key:      cfg.KMS.KeyID,
			Version:  cfg.KMS.KeyVersion,
		},
		Client: kmsClient,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.minter, err = jwt.NewMinter(jwt.MinterConfig{
		Clock:  s.clock,
		Signer: s.signer,
		KeyID:  s.signer.KID(),
		Issuer: cfg.Mesh.ServiceName,
		MaxTTL: cfg.S2S.MaxTTL(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.verifier, err = jwt.NewVerifier(jwt.VerifierConfig{
		JWKSURL:      cfg.S2S.JWKSURL,
		Issuer:       cfg.S2S.Issuer,
		Audience:     cfg.S2S.Audience,
		ClockSkew:    cfg.S2S.ClockSkew(),
		FetchTimeout: cfg.S2S.JWKSTimeout(),
		Cooldown:     cfg.S2S.JWKSCooldown(),
		Clock:        s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	provider, err := jwks.NewProvider(s.signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.jwksCache, err = jwks.NewCache(jwks.CacheConfig{
		Provider: provider,
		TTL:      cfg.KMS.JWKSCacheTTL(),
		Clock:    s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The outbound client boots on a static route to the facilitator,
	// then upgrades to directory-backed resolution once the first
	// snapshot lands.
	bootstrap := s2s.StaticResolver{svcconfig.FacilitatorSlug: cfg.Mesh.SvcconfigBaseURL}
	s.s2sClient, err = s2s.NewClient(s2s.ClientConfig{
		Minter:      s.minter,
		Resolver:    bootstrap,
		ServiceName: cfg.Mesh.ServiceName,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.svcClient, err = svcconfig.NewClient(s.s2sClient, cfg.Mesh.Env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.mirror, err = svcconfig.NewMirror(ctx, svcconfig.MirrorConfig{
		Fetcher:       s.svcClient,
		RefreshPeriod: cfg.Mesh.SvcconfigRefresh(),
		Clock:         s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.s2sClient.SetResolver(s2s.ChainResolver{
		mirrorResolver{mirror: s.mirror, env: cfg.Mesh.Env},
		bootstrap,
	})

	dispatcher, err := audit.NewSinkDispatcher(audit.SinkDispatcherConfig{
		Sender:  s.s2sClient,
		Slug:    cfg.Audit.TargetSlug,
		Version: cfg.Audit.TargetVersion,
		Path:    cfg.Audit.TargetPath,
		Format:  batchFormat(cfg.Audit.NDJSON),
		Timeout: cfg.Audit.DispatchTimeout(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.wal, err = audit.OpenWAL(audit.WALConfig{
		Dir:            cfg.Audit.WALDir,
		Dispatcher:     dispatcher,
		BatchSize:      cfg.Audit.BatchSize,
		FileMaxBytes:   cfg.Audit.FileMaxBytes(),
		RetentionDays:  cfg.Audit.RetentionDays,
		RingMax:        cfg.Audit.RingMaxEvents,
		DropAfterBytes: cfg.Audit.DropAfterBytes(),
		BackoffCap:     cfg.Audit.MaxRetry(),
		Clock:          s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	capture, err := audit.NewCapture(audit.CaptureConfig{
		Journal:          s.wal,
		ServiceName:      cfg.Mesh.ServiceName,
		ShuttingDown:     s.draining.Load,
		SlugForRequest:   gateway.SlugForRequest,
		UserIDForRequest: gateway.UserIDForRequest,
		Clock:            s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.readOnly = config.NewReadOnlyFlag(cfg.Gateway.ReadOnlyMode)
	s.gw, err = s.buildGateway(capture)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.internal, err = s.buildInternalHandler()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func batchFormat(ndjson bool) audit.Format {
	if ndjson {
		return audit.FormatNDJSON
	}
	return audit.FormatJSON
}

func (s *Service) buildGateway(capture *audit.Capture) (*gateway.Gateway, error) {
	cfg := s.cfg
	authGate, err := gateway.NewAuthGate(gateway.AuthGateConfig{
		Verifier:               s.verifier,
		PublicPrefixes:         cfg.Gateway.AuthPublicPrefixes,
		GETRequireAuthPrefixes: cfg.Gateway.PublicGETRequireAuthPrefixes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policyGate, err := gateway.NewPolicyGate(gateway.PolicyGateConfig{
		Env:      cfg.Mesh.Env,
		Source:   s.mirror,
		Fallback: s.svcClient,
		CacheTTL: cfg.Gateway.PolicyCacheTTL(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	proxy, err := gateway.NewProxy(gateway.ProxyConfig{
		Env:         cfg.Mesh.Env,
		Resolver:    s.mirror,
		Minter:      s.minter,
		ServiceName: cfg.Mesh.ServiceName,
		Timeout:     cfg.Gateway.InternalProxyTimeout(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limiter, err := gateway.NewRateLimiter(gateway.RateLimiterConfig{
		Points: cfg.Gateway.RateLimitPoints,
		Window: cfg.Gateway.RateLimitWindow(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	readOnlyGate, err := gateway.NewReadOnlyGate(gateway.ReadOnlyGateConfig{
		Switch:         s.readOnly,
		ExemptPrefixes: cfg.Gateway.ReadOnlyExemptPrefixes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gw, err := gateway.New(gateway.Config{
		AuthGate:     authGate,
		PolicyGate:   policyGate,
		Proxy:        proxy,
		RateLimiter:  limiter,
		ReadOnlyGate: readOnlyGate,
		Capture:      capture.Middleware,
		ForceHTTPS:   cfg.Gateway.ForceHTTPS,
		Clock:        s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return gw, nil
}

// Run serves both listeners until the context is canceled or a
// termination signal arrives, then drains gracefully: stop accepting,
// let in-flight requests finish, flush the journal, ship one final
// batch best-effort, persist the cursor.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.mirror.Run(ctx)
	go s.wal.Run(ctx)
	go s.readOnly.ToggleOnSIGHUP(ctx, s.log)

	edge := &http.Server{
		Addr:              s.cfg.Mesh.EdgeListenAddr,
		Handler:           s.gw.Handler(),
		IdleTimeout:       defaults.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	internal := &http.Server{
		Addr:              s.cfg.Mesh.InternalListenAddr,
		Handler:           s.internal,
		IdleTimeout:       defaults.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 2)
	go func() {
		s.log.InfoContext(ctx, "Edge listener starting.", "addr", edge.Addr)
		errC <- edge.ListenAndServe()
	}()
	go func() {
		s.log.InfoContext(ctx, "Internal listener starting.", "addr", internal.Addr)
		errC <- internal.ListenAndServe()
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	var runErr error
	select {
	case <-ctx.Done():
	case sig := <-sigC:
		s.log.InfoContext(ctx, "Received termination signal, shutting down.", "signal", sig.String())
	case err := <-errC:
		if err != nil && err != http.ErrServerClosed {
			runErr = trace.Wrap(err)
		}
	}

	s.draining.Store(true)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaults.ShutdownGrace)
	defer shutdownCancel()
	if err := edge.Shutdown(shutdownCtx); err != nil {
		s.log.WarnContext(shutdownCtx, "Edge listener shutdown incomplete.", "error", err)
	}
	if err := internal.Shutdown(shutdownCtx); err != nil {
		s.log.WarnContext(shutdownCtx, "Internal listener shutdown incomplete.", "error", err)
	}
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := s.wal.DrainOnce(flushCtx); err != nil {
		s.log.WarnContext(flushCtx, "Final audit drain failed, events stay journaled.", "error", err)
	}
	if err := s.wal.Close(); err != nil {
		s.log.WarnContext(flushCtx, "Failed to close audit journal cleanly.", "error", err)
	}
	s.log.InfoContext(context.Background(), "Shutdown complete.")
	return runErr
}
