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

// Package audit implements the billable/forensic audit pipeline:
// capture of finished responses, a crash-safe on-disk journal with
// at-least-once drain, and batch dispatch to the audit sink.
package audit

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// FinalizeReason states why a captured response closed.
type FinalizeReason string

const (
	// FinalizeFinish means the handler ended cleanly.
	FinalizeFinish FinalizeReason = "finish"
	// FinalizeTimeout means the upstream exchange timed out.
	FinalizeTimeout FinalizeReason = "timeout"
	// FinalizeClientAbort means the client closed the socket before the
	// response was written in full.
	FinalizeClientAbort FinalizeReason = "client-abort"
	// FinalizeShutdownReplay marks events finalized while the process
	// was shutting down; they are replayed on next boot.
	FinalizeShutdownReplay FinalizeReason = "shutdown-replay"
)

// Event is one audit record. Journaled as a single NDJSON line.
type Event struct {
	// EventID uniquely identifies the event. UUID.
	EventID string `json:"eventId"`
	// Timestamp is when the response finalized.
	Timestamp time.Time `json:"ts"`
	// TimestampStart is when the request was captured, if known.
	TimestampStart *time.Time `json:"tsStart,omitempty"`
	// DurationMs is the observed request duration.
	DurationMs int64 `json:"durationMs"`
	// DurationReliable is true only for clean finishes.
	DurationReliable bool `json:"durationReliable"`
	// RequestID is the correlation id of the captured request.
	RequestID string `json:"requestId"`
	// Method is the HTTP method.
	Method string `json:"method"`
	// Path is the request path.
	Path string `json:"path"`
	// Slug is the target service slug.
	Slug string `json:"slug"`
	// Status is the final HTTP status code.
	Status int `json:"status"`
	// BillableUnits counts chargeable work, never negative.
	BillableUnits int `json:"billableUnits"`
	// FinalizeReason states why the response closed.
	FinalizeReason FinalizeReason `json:"finalizeReason,omitempty"`
	// Meta carries flat string annotations: callerIp, userId,
	// s2sCaller.
	Meta map[string]string `json:"meta,omitempty"`
}

// Check validates the required event fields.
func (e *Event) Check() error {
	if _, err := uuid.Parse(e.EventID); err != nil {
		return trace.BadParameter("event id is not a UUID: %v", err)
	}
	if e.Timestamp.IsZero() {
		return trace.BadParameter("missing event timestamp")
	}
	if e.RequestID == "" {
		return trace.BadParameter("missing event request id")
	}
	if e.Method == "" {
		return trace.BadParameter("missing event method")
	}
	if e.Path == "" {
		return trace.BadParameter("missing event path")
	}
	if e.Slug == "" {
		return trace.BadParameter("missing event slug")
	}
	if e.Status < 100 || e.Status > 599 {
		return trace.BadParameter("event status %v out of range", e.Status)
	}
	if e.BillableUnits < 0 {
		return trace.BadParameter("negative billable units %v", e.BillableUnits)
	}
	if e.DurationMs < 0 {
		return trace.BadParameter("negative duration %v", e.DurationMs)
	}
	return nil
}

// MarshalLine serializes the event as one newline-terminated JSON
// line.
func (e *Event) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if bytes.ContainsRune(data, '\n') {
		return nil, trace.BadParameter("event serialization contains a newline")
	}
	return append(data, '\n'), nil
}

// ParseLine parses one journal line back into an event.
func ParseLine(line []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(bytes.TrimSuffix(line, []byte("\n")), &event); err != nil {
		return nil, trace.BadParameter("failed to parse journal line: %v", err)
	}
	return &event, nil
}
