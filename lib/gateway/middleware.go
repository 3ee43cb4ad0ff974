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
	"runtime"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

// statusWriter records the status code a handler wrote.
type statusWriter struct {
	http.ResponseWriter
	code int
	// site is the first caller that set a 5xx status.
	site string
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
		if code >= 500 {
			w.site = callSite()
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(data []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(data)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// callSite returns the first frame outside this package and net/http,
// i.e. the handler that assigned the status.
func callSite() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" &&
			!strings.Contains(frame.Function, "lib/gateway.") &&
			!strings.HasPrefix(frame.Function, "net/http.") {
			return frame.Function
		}
		if !more {
			return "unknown"
		}
	}
}

// WithHTTPSRedirect redirects plaintext requests to their HTTPS
// equivalent with a 308 when enabled. TLS termination upstream is
// honored via X-Forwarded-Proto.
func WithHTTPSRedirect(next http.Handler, enabled bool) http.Handler {
	if !enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil || r.Header.Get(meshcore.HeaderForwardedProto) == "https" {
			next.ServeHTTP(w, r)
			return
		}
		target := *r.URL
		target.Scheme = "https"
		target.Host = r.Host
		http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
	})
}

// WithAccessLog logs one line per request with timing and final
// status. A 5xx additionally logs the first call site that assigned
// the status, so on-call can find the failing handler without a trace.
func WithAccessLog(next http.Handler, log *slog.Logger, clock clockwork.Clock) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		elapsed := clock.Now().Sub(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status(),
			"duration", elapsed.Round(time.Microsecond).String(),
			"request_id", httplib.RequestIDFromContext(r.Context()),
		}
		if sw.status() >= 500 {
			if sw.site != "" {
				attrs = append(attrs, "site", sw.site)
			}
			log.WarnContext(r.Context(), "Request failed.", attrs...)
			return
		}
		log.InfoContext(r.Context(), "Request completed.", attrs...)
	})
}

// NotFoundHandler replies with a Problem+JSON 404.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyProblem(w, r, http.StatusNotFound, httplib.Problem{
			Type:   "route_not_found",
			Detail: "no route matches the request path",
		})
	})
}
