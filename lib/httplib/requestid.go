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

package httplib

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/gravitational/meshcore"
)

type requestIDKey struct{}

// RequestID resolves the correlation id for an inbound request. An id
// supplied by an upstream hop is adopted; otherwise a fresh UUIDv4 is
// generated.
func RequestID(r *http.Request) string {
	for _, header := range []string{
		meshcore.HeaderRequestID,
		meshcore.HeaderCorrelationID,
		meshcore.HeaderAmznTraceID,
	} {
		if id := r.Header.Get(header); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// ContextWithRequestID stores the request id on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored on the context,
// or the empty string.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID wraps a handler, resolving the request id, storing it
// on the context and echoing it in the response.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RequestID(r)
		w.Header().Set(meshcore.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}
