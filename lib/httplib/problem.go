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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gravitational/trace"
)

// ProblemContentType is the media type of RFC 9457 error responses.
const ProblemContentType = "application/problem+json"

// Problem is the error body returned by every gate and handler.
type Problem struct {
	// Type is a URI reference identifying the problem class.
	Type string `json:"type"`
	// Title is a short human readable summary.
	Title string `json:"title"`
	// Status echoes the HTTP status code.
	Status int `json:"status"`
	// Detail is a human readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance identifies the request path that produced the problem.
	Instance string `json:"instance,omitempty"`
	// RequestID is the correlation id of the failed request.
	RequestID string `json:"requestId,omitempty"`
}

// StatusError carries an explicit HTTP status and problem body through
// the handler chain. Gates that deny a request return a StatusError so
// the edge translator preserves the status and body on the wire.
type StatusError struct {
	Code    int
	Problem Problem
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Problem.Detail != "" {
		return e.Problem.Detail
	}
	return e.Problem.Title
}

// NewStatusError builds a StatusError with the given status, stable
// problem type and detail message.
func NewStatusError(code int, problemType, detail string) *StatusError {
	return &StatusError{
		Code: code,
		Problem: Problem{
			Type:   problemType,
			Title:  http.StatusText(code),
			Status: code,
			Detail: detail,
		},
	}
}

// StatusFromError maps an error to the HTTP status it should surface
// with. Explicit StatusErrors win; trace error kinds map to their
// conventional statuses; everything else is a 500.
func StatusFromError(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ReplyProblem writes a Problem+JSON response. The request id and
// instance are filled from the request if not already set.
func ReplyProblem(w http.ResponseWriter, r *http.Request, code int, problem Problem) {
	if problem.Status == 0 {
		problem.Status = code
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(code)
	}
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	if problem.RequestID == "" && r != nil {
		problem.RequestID = RequestIDFromContext(r.Context())
	}
	if problem.Instance == "" && r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		log.Warn("Failed to encode problem response.", "error", err)
	}
}

// ReplyError translates err into a Problem+JSON response, preserving
// the status and body of StatusErrors.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		ReplyProblem(w, r, se.Code, se.Problem)
		return
	}
	code := StatusFromError(err)
	problem := Problem{
		Status: code,
		Title:  http.StatusText(code),
	}
	// Internal error details stay in the logs.
	if code < http.StatusInternalServerError {
		problem.Detail = trace.UserMessage(err)
	}
	ReplyProblem(w, r, code, problem)
}
