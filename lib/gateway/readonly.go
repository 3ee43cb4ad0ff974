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
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

// ReadOnlySwitch reports whether the process is in read-only mode.
// Checked per request so operators can flip it at runtime.
type ReadOnlySwitch interface {
	Enabled() bool
}

// ReadOnlyGateConfig configures the write block.
type ReadOnlyGateConfig struct {
	// Switch is the runtime read-only flag.
	Switch ReadOnlySwitch
	// ExemptPrefixes lists path prefixes whose writes pass through.
	ExemptPrefixes []string
}

// ReadOnlyGate blocks mutating methods while the switch is on, except
// under exempt prefixes.
type ReadOnlyGate struct {
	cfg ReadOnlyGateConfig
	log *slog.Logger
}

// NewReadOnlyGate creates the gate.
func NewReadOnlyGate(cfg ReadOnlyGateConfig) (*ReadOnlyGate, error) {
	if cfg.Switch == nil {
		return nil, trace.BadParameter("missing parameter Switch")
	}
	return &ReadOnlyGate{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentGateway),
	}, nil
}

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Middleware wraps next with the write block.
func (g *ReadOnlyGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.cfg.Switch.Enabled() || !mutatingMethods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range g.cfg.ExemptPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				g.log.InfoContext(r.Context(), "Read-only bypass.",
					"method", r.Method, "path", r.URL.Path, "prefix", prefix)
				next.ServeHTTP(w, r)
				return
			}
		}
		httplib.ReplyProblem(w, r, http.StatusServiceUnavailable, httplib.Problem{
			Type:   "read_only_mode",
			Detail: "the service is in read-only mode, writes are temporarily disabled",
		})
	})
}
