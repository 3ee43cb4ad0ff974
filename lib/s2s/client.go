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

// Package s2s is the outbound service-to-service HTTP client. Every
// call carries a freshly minted bearer assertion for the target slug
// plus the standard mesh headers.
package s2s

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
	"github.com/gravitational/meshcore/lib/jwt"
)

// Resolver maps a slug and version to an upstream base URL. The
// svcconfig mirror implements it; boot-strapping uses a static map so
// the mirror's own facilitator calls can route before the first
// snapshot exists.
type Resolver interface {
	BaseURL(slug string, version int) (string, error)
}

// StaticResolver resolves from a fixed slug to base URL map,
// ignoring versions.
type StaticResolver map[string]string

// BaseURL implements Resolver.
func (r StaticResolver) BaseURL(slug string, _ int) (string, error) {
	base, ok := r[slug]
	if !ok {
		return "", trace.NotFound("service unknown: %v", slug)
	}
	return base, nil
}

// ChainResolver tries each resolver in order, returning the first hit.
type ChainResolver []Resolver

// BaseURL implements Resolver.
func (r ChainResolver) BaseURL(slug string, version int) (string, error) {
	var lastErr error
	for _, resolver := range r {
		base, err := resolver.BaseURL(slug, version)
		if err == nil {
			return base, nil
		}
		if !trace.IsNotFound(err) {
			return "", trace.Wrap(err)
		}
		lastErr = err
	}
	return "", trace.Wrap(lastErr)
}

// ClientConfig configures the S2S client.
type ClientConfig struct {
	// Minter mints the bearer assertions.
	Minter *jwt.Minter
	// Resolver maps slugs to base URLs.
	Resolver Resolver
	// ServiceName is sent as X-Service-Name.
	ServiceName string
	// Client is the underlying HTTP client. Defaults to an otel
	// instrumented client without a global timeout; callers bound
	// requests via context.
	Client *http.Client
}

// CheckAndSetDefaults validates the config.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Minter == nil {
		return trace.BadParameter("missing parameter Minter")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.ServiceName == "" {
		c.ServiceName = c.Minter.Issuer()
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return nil
}

// Client performs authenticated service-to-service calls.
type Client struct {
	mu  sync.RWMutex
	cfg ClientConfig
}

// NewClient creates an S2S client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// SetResolver swaps the resolver. The composition root boots the
// client with a static resolver and upgrades it once the svcconfig
// mirror holds its first snapshot.
func (c *Client) SetResolver(resolver Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Resolver = resolver
}

func (c *Client) resolver() Resolver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Resolver
}

// Do sends one S2S request. The path is joined to the resolved base
// URL; header may be nil.
func (c *Client) Do(ctx context.Context, method, slug string, version int, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	base, err := c.resolver().BaseURL(slug, version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	target, err := joinURL(base, path, query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	token, err := c.cfg.Minter.Mint(jwt.MintParams{Audience: slug})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(meshcore.HeaderServiceName, c.cfg.ServiceName)
	req.Header.Set(meshcore.HeaderAPIVersion, fmt.Sprintf("v%d", version))
	if id := httplib.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(meshcore.HeaderRequestID, id)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "s2s call to %v failed", slug)
	}
	return resp, nil
}

// Get sends one S2S GET. Implements svcconfig.Caller.
func (c *Client) Get(ctx context.Context, slug string, version int, path string, query url.Values) (*http.Response, error) {
	resp, err := c.Do(ctx, http.MethodGet, slug, version, path, query, nil, nil)
	return resp, trace.Wrap(err)
}

func joinURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", trace.BadParameter("invalid base URL %q: %v", base, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
