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

package jwks

import (
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

var log = slog.With(meshcore.ComponentKey, meshcore.ComponentJWKS)

var jwksServeFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jwks_serve_failures_total",
		Help: "Number of failed JWKS document requests",
	},
)

func init() {
	prometheus.MustRegister(jwksServeFailures)
}

// WellKnownPath is the conventional JWKS document location.
const WellKnownPath = "/.well-known/jwks.json"

// Handler serves the JWK Set over HTTP.
func Handler(cache *Cache) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
		set, err := cache.Get(r.Context())
		if err != nil {
			jwksServeFailures.Inc()
			log.ErrorContext(r.Context(), "Failed to load key set.", "error", err)
			// Cold cache plus failed refresh: surface as an upstream
			// availability problem, never a stale document.
			return nil, trace.ConnectionProblem(err, "jwks unavailable")
		}
		return set, nil
	})
}
