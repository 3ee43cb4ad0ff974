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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/meshcore"
)

func TestStatusFromError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "status error wins", err: NewStatusError(http.StatusTeapot, "teapot", ""), status: http.StatusTeapot},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{name: "bad parameter", err: trace.BadParameter("bad"), status: http.StatusBadRequest},
		{name: "access denied", err: trace.AccessDenied("denied"), status: http.StatusForbidden},
		{name: "not found", err: trace.NotFound("missing"), status: http.StatusNotFound},
		{name: "limit exceeded", err: trace.LimitExceeded("slow down"), status: http.StatusTooManyRequests},
		{name: "connection problem", err: trace.ConnectionProblem(nil, "offline"), status: http.StatusBadGateway},
		{name: "unknown", err: trace.Errorf("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.status, StatusFromError(tc.err))
		})
	}
}

func TestReplyErrorPreservesStatusError(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/act/v1/acts", nil)
	r = r.WithContext(ContextWithRequestID(r.Context(), "req-1"))

	ReplyError(recorder, r, NewStatusError(http.StatusUnauthorized, "policy_requires_token", "token required"))

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, ProblemContentType, recorder.Header().Get("Content-Type"))

	var problem Problem
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &problem))
	require.Equal(t, "policy_requires_token", problem.Type)
	require.Equal(t, http.StatusUnauthorized, problem.Status)
	require.Equal(t, "token required", problem.Detail)
	require.Equal(t, "req-1", problem.RequestID)
	require.Equal(t, "/api/act/v1/acts", problem.Instance)
}

func TestReplyErrorHidesInternalDetails(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ReplyError(recorder, r, trace.Errorf("secret database password leaked"))

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	var problem Problem
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &problem))
	require.Empty(t, problem.Detail)
}

func TestMakeHandler(t *testing.T) {
	t.Parallel()

	handler := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		switch p.ByName("mode") {
		case "ok":
			return map[string]string{"hello": "world"}, nil
		case "empty":
			return nil, nil
		default:
			return nil, trace.NotFound("no such mode")
		}
	})
	router := httprouter.New()
	router.GET("/:mode", handler)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/empty", nil))
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRequestIDAdoption(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(meshcore.HeaderCorrelationID, "corr-7")
	require.Equal(t, "corr-7", RequestID(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	first := RequestID(r)
	second := RequestID(r)
	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)
}

func TestWithRequestIDEchoesHeader(t *testing.T) {
	t.Parallel()

	var seen string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	recorder := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(meshcore.HeaderRequestID, "req-42")
	handler.ServeHTTP(recorder, r)

	require.Equal(t, "req-42", seen)
	require.Equal(t, "req-42", recorder.Header().Get(meshcore.HeaderRequestID))
}
