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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/defaults"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/jwt"
	"github.com/gravitational/meshcore/lib/svcconfig"
)

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Transfer-Encoding",
	"Keep-Alive",
	"Upgrade",
	"Te",
	"Trailer",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
}

// TargetResolver maps (env, slug, version) to an upstream record.
// Implemented by the svcconfig mirror.
type TargetResolver interface {
	ResolveTarget(env, slug string, version int) (*svcconfig.SvcRecord, error)
}

// ProxyConfig configures the upstream proxy.
type ProxyConfig struct {
	// Env is the mesh environment targets are resolved in.
	Env string
	// Resolver maps routes to upstream records.
	Resolver TargetResolver
	// Minter mints the S2S assertion and the reminted short-lived user
	// assertion.
	Minter *jwt.Minter
	// ServiceName is sent as X-Service-Name.
	ServiceName string
	// Timeout bounds one upstream exchange.
	Timeout time.Duration
	// UserAssertionTTL is the lifetime of reminted user assertions.
	UserAssertionTTL time.Duration
	// AllowInternal permits proxying to internal-only services. Set on
	// the control plane listener, never on the edge.
	AllowInternal bool
	// Transport performs the upstream round trip.
	Transport http.RoundTripper
}

// CheckAndSetDefaults validates the config.
func (c *ProxyConfig) CheckAndSetDefaults() error {
	if c.Env == "" {
		return trace.BadParameter("missing parameter Env")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Minter == nil {
		return trace.BadParameter("missing parameter Minter")
	}
	if c.ServiceName == "" {
		c.ServiceName = c.Minter.Issuer()
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.InternalProxyTimeout
	}
	if c.UserAssertionTTL <= 0 {
		c.UserAssertionTTL = time.Minute
	}
	if c.Transport == nil {
		c.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return nil
}

// Proxy streams requests to the resolved upstream with a fresh S2S
// identity. Inbound credentials never cross the proxy: the caller's
// Authorization and user assertion are dropped and reminted.
type Proxy struct {
	cfg ProxyConfig
	log *slog.Logger
}

// NewProxy creates the proxy.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentProxy),
	}, nil
}

// Handle forwards the request to the upstream resolved for rc and
// streams the response back.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	record, err := p.cfg.Resolver.ResolveTarget(p.cfg.Env, rc.Slug, rc.Version)
	if err != nil {
		httplib.ReplyProblem(w, r, http.StatusBadGateway, httplib.Problem{
			Type:   "service_unknown",
			Detail: fmt.Sprintf("no upstream is registered for %s v%d", rc.Slug, rc.Version),
		})
		return
	}
	if record.InternalOnly && !p.cfg.AllowInternal {
		httplib.ReplyProblem(w, r, http.StatusForbidden, httplib.Problem{
			Type:   "internal_only_service",
			Detail: fmt.Sprintf("%s is not reachable through the edge", rc.Slug),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Timeout)
	defer cancel()
	upstream, err := p.buildRequest(ctx, r, rc, record)
	if err != nil {
		httplib.ReplyError(w, r, err)
		return
	}

	resp, err := p.cfg.Transport.RoundTrip(upstream)
	if err != nil {
		p.replyTransportError(w, r, rc, err)
		return
	}
	defer resp.Body.Close()

	for _, name := range hopByHopHeaders {
		resp.Header.Del(name)
	}
	dst := w.Header()
	for name, values := range resp.Header {
		dst[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if err := flushingCopy(w, resp.Body); err != nil && ctx.Err() == nil {
		p.log.DebugContext(r.Context(), "Upstream response copy interrupted.",
			"slug", rc.Slug, "error", err)
	}
}

func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, rc *RequestContext, record *svcconfig.SvcRecord) (*http.Request, error) {
	target := strings.TrimSuffix(record.BaseURL, "/") + rc.UpstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	upstream, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if body != nil && r.ContentLength > 0 {
		upstream.ContentLength = r.ContentLength
	}

	upstream.Header = r.Header.Clone()
	for _, name := range hopByHopHeaders {
		upstream.Header.Del(name)
	}
	for name := range upstream.Header {
		if strings.HasPrefix(strings.ToLower(name), "proxy-") {
			upstream.Header.Del(name)
		}
	}
	upstream.Header.Del("Authorization")
	upstream.Header.Del(meshcore.HeaderUserAssertion)
	upstream.Host = ""

	token, err := p.cfg.Minter.Mint(jwt.MintParams{Audience: rc.Slug})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	upstream.Header.Set("Authorization", "Bearer "+token)
	if rc.UserClaims != nil {
		assertion, err := p.cfg.Minter.Mint(jwt.MintParams{
			Audience: rc.Slug,
			Subject:  rc.UserClaims.Subject,
			TTL:      p.cfg.UserAssertionTTL,
			Extra:    rc.UserClaims.Extra,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		upstream.Header.Set(meshcore.HeaderUserAssertion, assertion)
	}
	upstream.Header.Set(meshcore.HeaderAPIVersion, fmt.Sprintf("v%d", rc.Version))
	upstream.Header.Set(meshcore.HeaderServiceName, p.cfg.ServiceName)
	if id := httplib.RequestIDFromContext(r.Context()); id != "" {
		upstream.Header.Set(meshcore.HeaderRequestID, id)
	}
	if peer := peerIP(r); peer != "" {
		if prior := upstream.Header.Get(meshcore.HeaderForwardedFor); prior != "" {
			upstream.Header.Set(meshcore.HeaderForwardedFor, prior+", "+peer)
		} else {
			upstream.Header.Set(meshcore.HeaderForwardedFor, peer)
		}
	}
	return upstream, nil
}

func (p *Proxy) replyTransportError(w http.ResponseWriter, r *http.Request, rc *RequestContext, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		p.log.WarnContext(r.Context(), "Upstream exchange timed out.",
			"slug", rc.Slug, "timeout", p.cfg.Timeout)
		httplib.ReplyProblem(w, r, http.StatusGatewayTimeout, httplib.Problem{
			Type:   "upstream_timeout",
			Detail: fmt.Sprintf("%s did not respond within %v", rc.Slug, p.cfg.Timeout),
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		return
	}
	p.log.WarnContext(r.Context(), "Upstream exchange failed.", "slug", rc.Slug, "error", err)
	httplib.ReplyProblem(w, r, http.StatusBadGateway, httplib.Problem{
		Type:   "upstream_unreachable",
		Detail: fmt.Sprintf("failed to reach %s", rc.Slug),
	})
}

// flushingCopy streams src to w, flushing after every chunk so
// long-lived upstream responses reach the client promptly.
func flushingCopy(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return trace.Wrap(werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
	}
}
