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

package svcconfig

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"
)

// FacilitatorSlug is the directory service's own slug.
const FacilitatorSlug = "svcfacilitator"

// facilitatorVersion is the facilitator API major version.
const facilitatorVersion = 1

// maxResponseBody bounds facilitator responses.
const maxResponseBody = 8 << 20

// Caller performs an authenticated service-to-service GET. The S2S
// client implements it; the port breaks the dependency cycle between
// the mirror and the client that needs the mirror to route.
type Caller interface {
	Get(ctx context.Context, slug string, version int, path string, query url.Values) (*http.Response, error)
}

// Client talks to the service configuration facilitator.
type Client struct {
	caller Caller
	env    string
}

// NewClient creates a facilitator client for the given environment.
func NewClient(caller Caller, env string) (*Client, error) {
	if caller == nil {
		return nil, trace.BadParameter("missing parameter caller")
	}
	if env == "" {
		return nil, trace.BadParameter("missing parameter env")
	}
	return &Client{caller: caller, env: env}, nil
}

// envelope is the facilitator response wrapper.
type envelope struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	resp, err := c.caller.Get(ctx, FacilitatorSlug, facilitatorVersion, path, query)
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return false, trace.ConnectionProblem(err, "failed to read facilitator response")
	}
	if resp.StatusCode != http.StatusOK {
		return false, trace.ConnectionProblem(nil, "facilitator returned status %v for %v", resp.StatusCode, path)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, trace.BadParameter("failed to parse facilitator response: %v", err)
	}
	if !env.OK {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, trace.BadParameter("failed to parse facilitator payload: %v", err)
	}
	return true, nil
}

// FetchSnapshot implements Fetcher: it pulls the full directory for
// the configured environment.
func (c *Client) FetchSnapshot(ctx context.Context) ([]SvcRecord, error) {
	var data struct {
		Services []SvcRecord `json:"services"`
	}
	ok, err := c.get(ctx, "/services", url.Values{"env": {c.env}}, &data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.ConnectionProblem(nil, "facilitator refused directory fetch for env %q", c.env)
	}
	return data.Services, nil
}

// QueryRoutePolicy asks the facilitator for the effective policy of a
// single endpoint. found=false means the endpoint has no policy, which
// callers cache as a negative result.
func (c *Client) QueryRoutePolicy(ctx context.Context, slug string, version int, method, path string) (decision *Decision, found bool, err error) {
	var data struct {
		Policy *struct {
			MinAccessLevel int               `json:"minAccessLevel"`
			Public         bool              `json:"public"`
			UserAssertion  UserAssertionMode `json:"userAssertion"`
		} `json:"policy"`
	}
	ok, err := c.get(ctx, "/routePolicy", url.Values{
		"env":     {c.env},
		"slug":    {slug},
		"version": {strconv.Itoa(version)},
		"method":  {method},
		"path":    {path},
	}, &data)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if !ok || data.Policy == nil {
		return nil, false, nil
	}
	mode := data.Policy.UserAssertion
	if mode == "" {
		mode = UserAssertionOptional
	}
	if !mode.valid() {
		return nil, false, trace.BadParameter("facilitator returned unknown user assertion mode %q", mode)
	}
	return &Decision{
		Public:         data.Policy.Public,
		UserAssertion:  mode,
		MinAccessLevel: data.Policy.MinAccessLevel,
	}, true, nil
}
