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

// Package meshcore holds shared constants for the service mesh core:
// component names used for logging, wire header names, and filesystem
// modes shared by more than one subsystem.
package meshcore

import "strings"

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentGateway is the edge gateway ingress pipeline.
	ComponentGateway = "gateway"

	// ComponentProxy is the service-to-service proxy stage.
	ComponentProxy = "s2s:proxy"

	// ComponentMinter is the service-to-service token minter.
	ComponentMinter = "s2s:minter"

	// ComponentVerifier is the service-to-service token verifier.
	ComponentVerifier = "s2s:verifier"

	// ComponentJWKS is the JWKS provider and cache.
	ComponentJWKS = "jwks"

	// ComponentKMS is the cloud KMS signing backend.
	ComponentKMS = "kms"

	// ComponentMirror is the svcconfig mirror.
	ComponentMirror = "svcconfig:mirror"

	// ComponentAuditWAL is the write-ahead audit journal.
	ComponentAuditWAL = "audit:wal"

	// ComponentAuditDispatch is the audit batch dispatcher.
	ComponentAuditDispatch = "audit:dispatch"

	// ComponentAuditCapture is the audit capture middleware.
	ComponentAuditCapture = "audit:capture"

	// ComponentInternal is the internal control plane listener.
	ComponentInternal = "internal"
)

// Component generates a colon-joined component name for logging,
// e.g. Component("gateway", "limiter") -> "gateway:limiter".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

const (
	// HeaderRequestID carries the per-request correlation id.
	HeaderRequestID = "X-Request-Id"

	// HeaderCorrelationID is an accepted alias for HeaderRequestID.
	HeaderCorrelationID = "X-Correlation-Id"

	// HeaderAmznTraceID is the AWS load balancer trace header, adopted
	// as a request id when present.
	HeaderAmznTraceID = "X-Amzn-Trace-Id"

	// HeaderUserAssertion carries the short-lived end-user assertion.
	HeaderUserAssertion = "X-NV-User-Assertion"

	// HeaderAPIVersion carries the resolved upstream API version ("v1").
	HeaderAPIVersion = "X-NV-Api-Version"

	// HeaderServiceName identifies the calling service on S2S requests.
	HeaderServiceName = "X-Service-Name"

	// HeaderForwardedProto is set by load balancers terminating TLS.
	HeaderForwardedProto = "X-Forwarded-Proto"

	// HeaderForwardedFor carries the caller chain; the first hop is the
	// original client address.
	HeaderForwardedFor = "X-Forwarded-For"
)

const (
	// PrivateDirMode is the mode for directories holding journal state.
	PrivateDirMode = 0o700

	// PrivateFileMode is the mode for journal and cursor files.
	PrivateFileMode = 0o600
)
