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

package config

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// ReadOnlyFlag is the runtime read-only switch. The gate reads it per
// request, so ops can flip it without a restart.
type ReadOnlyFlag struct {
	on atomic.Bool
}

// NewReadOnlyFlag returns a flag with the given initial state.
func NewReadOnlyFlag(initial bool) *ReadOnlyFlag {
	f := &ReadOnlyFlag{}
	f.on.Store(initial)
	return f
}

// Enabled reports the current state.
func (f *ReadOnlyFlag) Enabled() bool {
	return f.on.Load()
}

// Set overrides the current state.
func (f *ReadOnlyFlag) Set(on bool) {
	f.on.Store(on)
}

// ToggleOnSIGHUP flips the flag on every SIGHUP until the context is
// canceled.
func (f *ReadOnlyFlag) ToggleOnSIGHUP(ctx context.Context, log *slog.Logger) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP)
	defer signal.Stop(sigC)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigC:
			on := !f.on.Load()
			f.on.Store(on)
			log.InfoContext(ctx, "Toggled read-only mode.", "read_only", on)
		}
	}
}
