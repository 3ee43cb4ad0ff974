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

package kms

import (
	"fmt"

	"github.com/gravitational/trace"
)

// KeyHandle points at a single asymmetric signing key version in cloud
// KMS. It is resolved once at boot and immutable afterwards.
type KeyHandle struct {
	// Project is the cloud project id.
	Project string
	// Location is the KMS location, e.g. "global" or "us-east1".
	Location string
	// Ring is the key ring id.
	Ring string
	// Key is the crypto key id.
	Key string
	// Version is the crypto key version.
	Version string
}

// Check validates that all handle fields are present.
func (h KeyHandle) Check() error {
	if h.Project == "" {
		return trace.BadParameter("missing parameter Project")
	}
	if h.Location == "" {
		return trace.BadParameter("missing parameter Location")
	}
	if h.Ring == "" {
		return trace.BadParameter("missing parameter Ring")
	}
	if h.Key == "" {
		return trace.BadParameter("missing parameter Key")
	}
	if h.Version == "" {
		return trace.BadParameter("missing parameter Version")
	}
	return nil
}

// ResourceName returns the fully qualified KMS crypto key version name.
func (h KeyHandle) ResourceName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s/cryptoKeyVersions/%s",
		h.Project, h.Location, h.Ring, h.Key, h.Version)
}

// KID returns the deterministic key id published in JWKS documents and
// attached to minted token headers.
func (h KeyHandle) KID() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", h.Project, h.Location, h.Ring, h.Key, h.Version)
}

// String returns a loggable representation of the handle.
func (h KeyHandle) String() string {
	return h.KID()
}
