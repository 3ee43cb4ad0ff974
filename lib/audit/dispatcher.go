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
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/meshcore"
)

// Format selects the batch wire encoding.
type Format string

const (
	// FormatNDJSON sends one event per line.
	FormatNDJSON Format = "ndjson"
	// FormatJSON sends a JSON array.
	FormatJSON Format = "json"
)

// Sender performs an authenticated service-to-service request. The S2S
// client implements it.
type Sender interface {
	Do(ctx context.Context, method, slug string, version int, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error)
}

// SinkDispatcherConfig configures delivery to the audit sink service.
type SinkDispatcherConfig struct {
	// Sender performs the S2S call.
	Sender Sender
	// Slug is the sink's service slug.
	Slug string
	// Version is the sink's API major version.
	Version int
	// Path is the sink's ingest path.
	Path string
	// Format is the batch encoding, NDJSON by default.
	Format Format
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *SinkDispatcherConfig) CheckAndSetDefaults() error {
	if c.Sender == nil {
		return trace.BadParameter("missing parameter Sender")
	}
	if c.Slug == "" {
		return trace.BadParameter("missing parameter Slug")
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	if c.Path == "" {
		c.Path = "/events"
	}
	switch c.Format {
	case "":
		c.Format = FormatNDJSON
	case FormatNDJSON, FormatJSON:
	default:
		return trace.BadParameter("unknown audit batch format %q", c.Format)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// SinkDispatcher PUTs event batches to the audit sink over the mesh.
// A 2xx acknowledges the batch, a 4xx rejects it permanently, and
// anything else is retriable.
type SinkDispatcher struct {
	cfg SinkDispatcherConfig
	log *slog.Logger
}

// NewSinkDispatcher creates a dispatcher for the audit sink.
func NewSinkDispatcher(cfg SinkDispatcherConfig) (*SinkDispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SinkDispatcher{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentAuditDispatch),
	}, nil
}

// Dispatch implements Dispatcher. An empty batch is a no-op.
func (d *SinkDispatcher) Dispatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	body, contentType, err := d.encode(events)
	if err != nil {
		return trace.Wrap(ErrPermanentReject, "failed to encode batch: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	header := http.Header{"Content-Type": []string{contentType}}
	resp, err := d.cfg.Sender.Do(ctx, http.MethodPut, d.cfg.Slug, d.cfg.Version, d.cfg.Path, nil, header, bytes.NewReader(body))
	if err != nil {
		return trace.ConnectionProblem(err, "audit sink unreachable")
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.log.DebugContext(ctx, "Dispatched audit batch.", "events", len(events))
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return trace.Wrap(ErrPermanentReject, "audit sink returned status %v", resp.StatusCode)
	default:
		return trace.ConnectionProblem(nil, "audit sink returned status %v", resp.StatusCode)
	}
}

func (d *SinkDispatcher) encode(events []*Event) (body []byte, contentType string, err error) {
	if d.cfg.Format == FormatJSON {
		data, err := json.Marshal(events)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		return data, "application/json", nil
	}
	var buf bytes.Buffer
	for _, event := range events {
		line, err := event.MarshalLine()
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		buf.Write(line)
	}
	return buf.Bytes(), "application/x-ndjson", nil
}
