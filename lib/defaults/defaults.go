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

// Package defaults holds tunables and protocol limits shared across
// subsystems. Values that operators must supply explicitly live in
// lib/config instead; nothing here substitutes for a missing required
// variable.
package defaults

import "time"

const (
	// AssertionMaxTTL is the hard ceiling on service-to-service assertion
	// lifetimes. Operator-configured TTLs are clamped to this value.
	AssertionMaxTTL = 15 * time.Minute

	// AssertionNotBeforeSkew is the default backdating applied to the nbf
	// claim so freshly minted tokens survive modest clock drift between
	// services.
	AssertionNotBeforeSkew = 45 * time.Second

	// AssertionNotBeforeSkewMin and AssertionNotBeforeSkewMax bound
	// operator overrides of the nbf backdating.
	AssertionNotBeforeSkewMin = 30 * time.Second
	AssertionNotBeforeSkewMax = 60 * time.Second

	// VerifyClockSkew is the default leeway applied when validating
	// exp and nbf on inbound assertions.
	VerifyClockSkew = 30 * time.Second
)

const (
	// InternalProxyTimeout bounds a single proxied upstream exchange when
	// INTERNAL_PROXY_TIMEOUT_MS is not set by the operator.
	InternalProxyTimeout = 6 * time.Second

	// JWKSFetchTimeout bounds a single remote JWKS fetch.
	JWKSFetchTimeout = 5 * time.Second

	// JWKSFetchCooldown is how long the verifier refuses to re-fetch a
	// remote JWKS after a fetch failure.
	JWKSFetchCooldown = 15 * time.Second

	// MirrorRefreshPeriod is how often the svcconfig mirror refreshes its
	// snapshot from the facilitator.
	MirrorRefreshPeriod = 30 * time.Second

	// PolicyDecisionTTL bounds how long a route policy decision is reused
	// for an identical (env, slug, method, path) tuple.
	PolicyDecisionTTL = 30 * time.Second

	// HTTPIdleTimeout is the keep-alive idle timeout on both listeners.
	HTTPIdleTimeout = time.Minute

	// ShutdownGrace is how long outstanding requests may drain after a
	// termination signal before the listeners are torn down.
	ShutdownGrace = 20 * time.Second
)

const (
	// WALDrainBackoffBase is the first retry delay after a failed drain.
	WALDrainBackoffBase = 250 * time.Millisecond

	// WALDrainBackoffCap is the ceiling on drain retry delays.
	WALDrainBackoffCap = 10 * time.Second

	// WALDrainBackoffFactor doubles the delay on every consecutive failure.
	WALDrainBackoffFactor = 2

	// WALCursorFile is the journal cursor filename inside the WAL dir.
	WALCursorFile = "audit.offset"

	// WALFilePrefix and WALFileExt frame journal file names:
	// audit-YYYYMMDD.ndjson.
	WALFilePrefix = "audit-"
	WALFileExt    = ".ndjson"

	// WALBatchSize is how many events a single dispatch carries when
	// WAL_BATCH_SIZE is not set.
	WALBatchSize = 64

	// WALFileMaxBytes rotates a journal file once it grows past this
	// size even within a single day.
	WALFileMaxBytes = 64 << 20

	// WALRetentionDays is how long rotated journal files are kept.
	WALRetentionDays = 14

	// WALRingMax bounds the in-memory staging ring. Overflowing it
	// falls back to reading the journal from disk.
	WALRingMax = 4096

	// WALDropAfterBytes is the journal disk budget. New events are
	// refused once the journal grows past it.
	WALDropAfterBytes = 512 << 20

	// WALMaxLineBytes bounds a single journal line on replay.
	WALMaxLineBytes = 1 << 20
)
