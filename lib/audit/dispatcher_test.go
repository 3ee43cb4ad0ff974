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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// fakeSender records one S2S request and returns a canned status.
type fakeSender struct {
	status int
	err    error

	method      string
	slug        string
	version     int
	path        string
	contentType string
	body        []byte
	calls       int
}

func (s *fakeSender) Do(ctx context.Context, method, slug string, version int, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	s.calls++
	s.method, s.slug, s.version, s.path = method, slug, version, path
	s.contentType = header.Get("Content-Type")
	if body != nil {
		s.body, _ = io.ReadAll(body)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func TestSinkDispatcherNDJSON(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{status: http.StatusAccepted}
	dispatcher, err := NewSinkDispatcher(SinkDispatcherConfig{Sender: sender, Slug: "auditsink"})
	require.NoError(t, err)

	events := []*Event{validEvent(), validEvent()}
	require.NoError(t, dispatcher.Dispatch(context.Background(), events))

	require.Equal(t, http.MethodPut, sender.method)
	require.Equal(t, "auditsink", sender.slug)
	require.Equal(t, 1, sender.version)
	require.Equal(t, "/events", sender.path)
	require.Equal(t, "application/x-ndjson", sender.contentType)

	lines := bytes.Split(bytes.TrimSuffix(sender.body, []byte("\n")), []byte("\n"))
	require.Len(t, lines, 2)
	for i, line := range lines {
		parsed, err := ParseLine(line)
		require.NoError(t, err)
		require.Equal(t, events[i].EventID, parsed.EventID)
	}
}

func TestSinkDispatcherJSONFormat(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{status: http.StatusOK}
	dispatcher, err := NewSinkDispatcher(SinkDispatcherConfig{
		Sender: sender,
		Slug:   "auditsink",
		Format: FormatJSON,
	})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(context.Background(), []*Event{validEvent()}))
	require.Equal(t, "application/json", sender.contentType)
	var parsed []*Event
	require.NoError(t, json.Unmarshal(sender.body, &parsed))
	require.Len(t, parsed, 1)
}

func TestSinkDispatcherStatusClasses(t *testing.T) {
	t.Parallel()

	dispatch := func(sender *fakeSender) error {
		dispatcher, err := NewSinkDispatcher(SinkDispatcherConfig{Sender: sender, Slug: "auditsink"})
		require.NoError(t, err)
		return dispatcher.Dispatch(context.Background(), []*Event{validEvent()})
	}

	// 4xx is a permanent reject, the batch must be skipped.
	err := dispatch(&fakeSender{status: http.StatusUnprocessableEntity})
	require.ErrorIs(t, err, ErrPermanentReject)

	// 5xx and transport failures are retriable.
	err = dispatch(&fakeSender{status: http.StatusServiceUnavailable})
	require.True(t, trace.IsConnectionProblem(err))
	require.NotErrorIs(t, err, ErrPermanentReject)

	err = dispatch(&fakeSender{err: trace.ConnectionProblem(nil, "no route")})
	require.True(t, trace.IsConnectionProblem(err))
}

func TestSinkDispatcherEmptyBatch(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{status: http.StatusOK}
	dispatcher, err := NewSinkDispatcher(SinkDispatcherConfig{Sender: sender, Slug: "auditsink"})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(context.Background(), nil))
	require.Zero(t, sender.calls)
}

func TestSinkDispatcherConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSinkDispatcher(SinkDispatcherConfig{Slug: "auditsink"})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewSinkDispatcher(SinkDispatcherConfig{Sender: &fakeSender{}})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewSinkDispatcher(SinkDispatcherConfig{Sender: &fakeSender{}, Slug: "auditsink", Format: "xml"})
	require.True(t, trace.IsBadParameter(err))
}
