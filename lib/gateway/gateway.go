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
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

// Config wires the edge gateway together. All gates are built by the
// composition root; the gateway only fixes their order.
type Config struct {
	// AuthGate verifies end-user assertions.
	AuthGate *AuthGate
	// PolicyGate resolves and enforces route policies.
	PolicyGate *PolicyGate
	// Proxy forwards to upstreams.
	Proxy *Proxy
	// RateLimiter is the fixed-window limiter.
	RateLimiter *RateLimiter
	// ReadOnlyGate blocks writes in read-only mode.
	ReadOnlyGate *ReadOnlyGate
	// Capture is the audit capture middleware. Optional.
	Capture func(http.Handler) http.Handler
	// ForceHTTPS redirects plaintext requests with a 308.
	ForceHTTPS bool
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.AuthGate == nil {
		return trace.BadParameter("missing parameter AuthGate")
	}
	if c.PolicyGate == nil {
		return trace.BadParameter("missing parameter PolicyGate")
	}
	if c.Proxy == nil {
		return trace.BadParameter("missing parameter Proxy")
	}
	if c.RateLimiter == nil {
		return trace.BadParameter("missing parameter RateLimiter")
	}
	if c.ReadOnlyGate == nil {
		return trace.BadParameter("missing parameter ReadOnlyGate")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Gateway is the edge HTTP front. The middleware order is fixed:
// HTTPS redirect, request id, access log, audit capture, rate limit,
// read-only gate, then per-route auth gate, policy gate and proxy.
type Gateway struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler
}

// New assembles the gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gateway{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentGateway),
	}

	router := httprouter.New()
	router.NotFound = NotFoundHandler()
	router.HandleMethodNotAllowed = false
	for _, method := range []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	} {
		router.Handle(method, "/api/:slug/:version/*path", g.handleAPI)
	}

	var h http.Handler = router
	h = cfg.ReadOnlyGate.Middleware(h)
	h = cfg.RateLimiter.Middleware(h)
	if cfg.Capture != nil {
		h = cfg.Capture(h)
	}
	h = WithAccessLog(h, g.log, cfg.Clock)
	h = httplib.WithRequestID(h)
	h = WithHTTPSRedirect(h, cfg.ForceHTTPS)
	g.handler = h
	return g, nil
}

// Handler returns the edge handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// handleAPI is the proxy route: parse the route context, run the
// per-route gates and forward.
func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	version, err := ParseVersion(p.ByName("version"))
	if err != nil {
		httplib.ReplyProblem(w, r, http.StatusBadRequest, httplib.Problem{
			Type:   "invalid_api_version",
			Detail: trace.UserMessage(err),
		})
		return
	}
	rc := &RequestContext{
		Slug:         p.ByName("slug"),
		Version:      version,
		UpstreamPath: p.ByName("path"),
	}
	r = r.WithContext(WithRequestContext(r.Context(), rc))

	if !isHealthPath(rc.UpstreamPath) {
		if err := g.cfg.AuthGate.Check(r, rc); err != nil {
			httplib.ReplyError(w, r, err)
			return
		}
		if err := g.cfg.PolicyGate.Check(r, rc); err != nil {
			httplib.ReplyError(w, r, err)
			return
		}
	}
	g.cfg.Proxy.Handle(w, r, rc)
}
