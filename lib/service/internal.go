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

package service

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/gateway"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/jwks"
	"github.com/gravitational/meshcore/lib/jwt"
)

// buildInternalHandler assembles the control plane listener: the JWKS
// document is public on this listener, everything else is S2S-gated.
func (s *Service) buildInternalHandler() (http.Handler, error) {
	router := httprouter.New()
	router.NotFound = gateway.NotFoundHandler()

	router.GET(jwks.WellKnownPath, jwks.Handler(s.jwksCache))
	router.GET("/_internal/health", httplib.MakeHandler(s.handleHealth))
	router.Handler(http.MethodGet, "/_internal/metrics", promhttp.Handler())
	router.GET("/_internal/svcconfig/snapshot", s.s2sGated(httplib.MakeHandler(s.handleSnapshot)))
	router.GET("/_internal/svcconfig/resolve", s.s2sGated(httplib.MakeHandler(s.handleResolve)))

	internalProxy, err := gateway.NewProxy(gateway.ProxyConfig{
		Env:           s.cfg.Mesh.Env,
		Resolver:      s.mirror,
		Minter:        s.minter,
		ServiceName:   s.cfg.Mesh.ServiceName,
		Timeout:       s.cfg.Gateway.InternalProxyTimeout(),
		AllowInternal: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, method := range []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	} {
		router.Handle(method, "/internal/call/:slug/*path", s.s2sGated(s.handleInternalCall(internalProxy)))
	}

	var h http.Handler = router
	h = gateway.WithAccessLog(h, s.log, s.clock)
	h = httplib.WithRequestID(h)
	return h, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return map[string]any{
		"status":        "ok",
		"readOnly":      s.readOnly.Enabled(),
		"auditBacklog":  s.wal.Backlog(),
		"snapshotAgeMs": s.clock.Now().Sub(s.mirror.Snapshot().FetchedAt).Milliseconds(),
	}, nil
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	snapshot := s.mirror.Snapshot()
	services := make([]map[string]any, 0, len(snapshot.Records))
	for key, record := range snapshot.Records {
		services = append(services, map[string]any{
			"env":          key.Env,
			"slug":         key.Slug,
			"version":      key.Version,
			"baseUrl":      record.BaseURL,
			"internalOnly": record.InternalOnly,
			"hasPolicy":    record.RoutePolicy != nil,
		})
	}
	return map[string]any{
		"fetchedAt": snapshot.FetchedAt.UTC().Format(time.RFC3339),
		"services":  services,
	}, nil
}

func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		return nil, trace.BadParameter("missing query parameter slug")
	}
	version := 1
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := gateway.ParseVersion(v)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		version = parsed
	}
	record, err := s.mirror.ResolveTarget(s.cfg.Mesh.Env, slug, version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"slug":         record.Slug,
		"version":      record.Version,
		"baseUrl":      record.BaseURL,
		"internalOnly": record.InternalOnly,
	}, nil
}

// handleInternalCall proxies mesh-internal calls. The API version
// comes from X-NV-Api-Version, defaulting to v1.
func (s *Service) handleInternalCall(proxy *gateway.Proxy) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		version := 1
		if v := r.Header.Get(meshcore.HeaderAPIVersion); v != "" {
			parsed, err := gateway.ParseVersion(v)
			if err != nil {
				httplib.ReplyProblem(w, r, http.StatusBadRequest, httplib.Problem{
					Type:   "invalid_api_version",
					Detail: trace.UserMessage(err),
				})
				return
			}
			version = parsed
		}
		rc := &gateway.RequestContext{
			Slug:         p.ByName("slug"),
			Version:      version,
			UpstreamPath: p.ByName("path"),
		}
		r = r.WithContext(gateway.WithRequestContext(r.Context(), rc))
		proxy.Handle(w, r, rc)
	}
}

// s2sGated verifies the caller's service assertion before letting the
// request through.
func (s *Service) s2sGated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			httplib.ReplyProblem(w, r, http.StatusUnauthorized, httplib.Problem{
				Type:   "missing_service_token",
				Detail: "the control plane requires a service bearer token",
			})
			return
		}
		if _, err := s.verifier.Verify(r.Context(), token); err != nil {
			switch {
			case errors.Is(err, jwt.ErrClaimMismatch):
				httplib.ReplyProblem(w, r, http.StatusForbidden, httplib.Problem{
					Type:   "service_token_claims_mismatch",
					Detail: "the service token was issued for a different audience or issuer",
				})
			case errors.Is(err, jwt.ErrJWKSUnavailable):
				httplib.ReplyProblem(w, r, http.StatusBadGateway, httplib.Problem{
					Type:   "jwks_unavailable",
					Detail: "the verification keys are temporarily unavailable",
				})
			default:
				httplib.ReplyProblem(w, r, http.StatusUnauthorized, httplib.Problem{
					Type:   "invalid_service_token",
					Detail: "the service token is invalid or expired",
				})
			}
			return
		}
		next(w, r, p)
	}
}
