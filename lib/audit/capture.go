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

package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/httplib"
)

var captureFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_capture_failures_total",
		Help: "Number of finished responses whose audit event could not be journaled",
	},
)

func init() {
	prometheus.MustRegister(captureFailures)
}

// skippedPaths are never audited: probes and browser noise.
var skippedPaths = map[string]bool{
	"/health":      true,
	"/ready":       true,
	"/live":        true,
	"/favicon.ico": true,
}

// Eligible reports whether a request path produces an audit event.
// Probe paths are skipped both at the top level and under a proxied
// service prefix like /api/billing/v1/health.
func Eligible(path string) bool {
	if skippedPaths[path] {
		return false
	}
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return true
	}
	// rest is <slug>/<version>/<upstream path>.
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return true
	}
	upstream := "/" + parts[2]
	return !skippedPaths[upstream] && !strings.HasPrefix(upstream, "/health")
}

// SlugFromPath derives a service slug from a request path when no
// route match is available. The first path segment is used, with a
// plural collection name reduced to its singular slug.
func SlugFromPath(path string) string {
	segment := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		return "unknown"
	}
	if len(segment) > 1 && strings.HasSuffix(segment, "s") {
		segment = strings.TrimSuffix(segment, "s")
	}
	return segment
}

// Journal accepts finalized events. Implemented by the WAL.
type Journal interface {
	Enqueue(event *Event) error
}

// CaptureConfig configures the capture middleware.
type CaptureConfig struct {
	// Journal receives finalized events.
	Journal Journal
	// ServiceName is recorded as the s2sCaller annotation.
	ServiceName string
	// ShuttingDown reports whether the process is draining; events
	// captured then are marked for replay.
	ShuttingDown func() bool
	// SlugForRequest maps a request to its target slug. Optional;
	// falls back to path derivation.
	SlugForRequest func(r *http.Request) string
	// UserIDForRequest extracts the acting user id. Optional.
	UserIDForRequest func(r *http.Request) string
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *CaptureConfig) CheckAndSetDefaults() error {
	if c.Journal == nil {
		return trace.BadParameter("missing parameter Journal")
	}
	if c.ServiceName == "" {
		return trace.BadParameter("missing parameter ServiceName")
	}
	if c.ShuttingDown == nil {
		c.ShuttingDown = func() bool { return false }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Capture journals one audit event per finished eligible response.
// Capture never fails the request: a journal error is logged and
// counted, and the response proceeds untouched.
type Capture struct {
	cfg CaptureConfig
	log *slog.Logger
}

// NewCapture creates the capture middleware.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Capture{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentAuditCapture),
	}, nil
}

// Middleware wraps next with response capture.
func (c *Capture) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Eligible(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := c.cfg.Clock.Now()
		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		c.finalize(r, recorder, start)
	})
}

func (c *Capture) finalize(r *http.Request, recorder *responseRecorder, start time.Time) {
	defer func() {
		if p := recover(); p != nil {
			captureFailures.Inc()
			c.log.Error("Panic while finalizing audit event.", "panic", p)
		}
	}()

	now := c.cfg.Clock.Now()
	reason := FinalizeFinish
	switch {
	case c.cfg.ShuttingDown():
		reason = FinalizeShutdownReplay
	case r.Context().Err() == context.Canceled && !recorder.finished():
		reason = FinalizeClientAbort
	case recorder.status() == http.StatusGatewayTimeout:
		reason = FinalizeTimeout
	}

	slug := ""
	if c.cfg.SlugForRequest != nil {
		slug = c.cfg.SlugForRequest(r)
	}
	if slug == "" {
		slug = SlugFromPath(r.URL.Path)
	}
	meta := map[string]string{
		"callerIp":  callerIP(r),
		"s2sCaller": c.cfg.ServiceName,
	}
	if c.cfg.UserIDForRequest != nil {
		if userID := c.cfg.UserIDForRequest(r); userID != "" {
			meta["userId"] = userID
		}
	}
	event := &Event{
		EventID:          uuid.NewString(),
		Timestamp:        now,
		TimestampStart:   &start,
		DurationMs:       now.Sub(start).Milliseconds(),
		DurationReliable: reason == FinalizeFinish,
		RequestID:        httplib.RequestIDFromContext(r.Context()),
		Method:           r.Method,
		Path:             r.URL.Path,
		Slug:             slug,
		Status:           recorder.status(),
		BillableUnits:    billableUnits(recorder.status()),
		FinalizeReason:   reason,
		Meta:             meta,
	}
	if event.RequestID == "" {
		event.RequestID = httplib.RequestID(r)
	}
	if err := c.cfg.Journal.Enqueue(event); err != nil {
		captureFailures.Inc()
		c.log.Warn("Failed to journal audit event.", "error", err, "request_id", event.RequestID)
	}
}

// billableUnits charges one unit for any response the upstream
// produced; gateway-generated failures are not billable.
func billableUnits(status int) int {
	if status >= 500 {
		return 0
	}
	return 1
}

func callerIP(r *http.Request) string {
	if fwd := r.Header.Get(meshcore.HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseRecorder observes the final status and whether the response
// body completed.
type responseRecorder struct {
	http.ResponseWriter
	code    int
	done    bool
	written int64
	length  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
		r.length = -1
		if cl := r.Header().Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				r.length = n
			}
		}
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.code == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(data)
	r.written += int64(n)
	if r.length >= 0 && r.written >= r.length {
		r.done = true
	}
	return n, err
}

// Flush passes streaming flushes through to the underlying writer.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}

// finished reports whether the declared body length was fully written.
// Responses without a Content-Length are treated as finished once the
// handler returns.
func (r *responseRecorder) finished() bool {
	return r.done || r.length < 0 && r.code != 0
}
