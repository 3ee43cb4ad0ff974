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

package svcconfig

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/defaults"
	"github.com/gravitational/meshcore/lib/utils"
)

var (
	mirrorRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svcconfig_refresh_failures_total",
			Help: "Number of failed svcconfig snapshot refreshes",
		},
	)
	mirrorSnapshotRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svcconfig_snapshot_records",
			Help: "Number of records in the current svcconfig snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(mirrorRefreshFailures, mirrorSnapshotRecords)
}

// Snapshot is an immutable view of the service directory. Readers
// obtain one per request and never observe partial updates.
type Snapshot struct {
	// Records indexes directory entries by (env, slug, version).
	Records map[Key]*SvcRecord
	// FetchedAt is when the snapshot was produced.
	FetchedAt time.Time
}

// Resolve looks up a record, falling back to the slug's any-version
// entry for route policies only (base URLs must be version-exact).
func (s *Snapshot) Resolve(env, slug string, version int) (*SvcRecord, error) {
	if record, ok := s.Records[Key{Env: env, Slug: slug, Version: version}]; ok {
		return record, nil
	}
	return nil, trace.NotFound("service unknown: %v/%v v%v", env, slug, version)
}

// PolicyFor returns the route policy for (env, slug, version): the
// exact version's policy wins over the any-version policy. Returns nil
// when neither exists.
func (s *Snapshot) PolicyFor(env, slug string, version int) *RoutePolicy {
	if record, ok := s.Records[Key{Env: env, Slug: slug, Version: version}]; ok && record.RoutePolicy != nil {
		return record.RoutePolicy
	}
	if record, ok := s.Records[Key{Env: env, Slug: slug, Version: AnyVersion}]; ok && record.RoutePolicy != nil {
		return record.RoutePolicy
	}
	return nil
}

// Fetcher loads a fresh directory snapshot from the facilitator.
// Implemented by the S2S facilitator client; tests substitute fakes.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) ([]SvcRecord, error)
}

// MirrorConfig configures the directory mirror.
type MirrorConfig struct {
	// Fetcher loads snapshots from the facilitator.
	Fetcher Fetcher
	// RefreshPeriod is the nominal refresh interval.
	RefreshPeriod time.Duration
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *MirrorConfig) CheckAndSetDefaults() error {
	if c.Fetcher == nil {
		return trace.BadParameter("missing parameter Fetcher")
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = defaults.MirrorRefreshPeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Mirror keeps an in-memory snapshot of the service directory and
// refreshes it periodically. Snapshot replacement is an atomic pointer
// swap; a failed refresh keeps the last good snapshot and logs a
// warning.
type Mirror struct {
	cfg      MirrorConfig
	log      *slog.Logger
	snapshot atomic.Pointer[Snapshot]
}

// NewMirror creates the mirror and performs the initial fetch, which
// must succeed: a process without a directory cannot route anything.
func NewMirror(ctx context.Context, cfg MirrorConfig) (*Mirror, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Mirror{
		cfg: cfg,
		log: slog.With(meshcore.ComponentKey, meshcore.ComponentMirror),
	}
	if err := m.refresh(ctx); err != nil {
		return nil, trace.Wrap(err, "initial svcconfig fetch failed")
	}
	return m, nil
}

// Snapshot returns the current immutable snapshot. Callers should hold
// on to it for the duration of a request to avoid torn reads across
// refreshes.
func (m *Mirror) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// ResolveTarget resolves the upstream record for (env, slug, version).
func (m *Mirror) ResolveTarget(env, slug string, version int) (*SvcRecord, error) {
	record, err := m.Snapshot().Resolve(env, slug, version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// RoutePolicyFor returns the mirrored route policy for
// (env, slug, version), or nil when the directory has none.
func (m *Mirror) RoutePolicyFor(env, slug string, version int) *RoutePolicy {
	return m.Snapshot().PolicyFor(env, slug, version)
}

// Run refreshes the snapshot until the context is canceled. The period
// is jittered to avoid synchronized fleets hitting the facilitator at
// once; after a failed refresh the next attempt comes sooner, on a
// linear ramp back up to the full period.
func (m *Mirror) Run(ctx context.Context) {
	jitter := utils.NewSeventhJitter()
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   m.cfg.RefreshPeriod / 4,
		Max:    m.cfg.RefreshPeriod,
		Jitter: utils.NewHalfJitter(),
		Clock:  m.cfg.Clock,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "Failed to build refresh retry schedule.", "error", err)
		return
	}
	wait := jitter(m.cfg.RefreshPeriod)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(wait):
		}
		if err := m.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			mirrorRefreshFailures.Inc()
			retry.Inc()
			wait = retry.Duration()
			m.log.WarnContext(ctx, "Failed to refresh svcconfig snapshot, keeping last good one.",
				"error", err, "retry_in", wait)
			continue
		}
		retry.Reset()
		wait = jitter(m.cfg.RefreshPeriod)
	}
}

func (m *Mirror) refresh(ctx context.Context) error {
	records, err := m.cfg.Fetcher.FetchSnapshot(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	indexed := make(map[Key]*SvcRecord, len(records))
	for i := range records {
		record := &records[i]
		if err := record.Check(); err != nil {
			return trace.Wrap(err, "rejecting snapshot")
		}
		key := Key{Env: record.Env, Slug: record.Slug, Version: record.Version}
		if _, ok := indexed[key]; ok {
			return trace.BadParameter("rejecting snapshot: duplicate record %v/%v v%v", record.Env, record.Slug, record.Version)
		}
		indexed[key] = record
	}
	m.snapshot.Store(&Snapshot{
		Records:   indexed,
		FetchedAt: m.cfg.Clock.Now(),
	})
	mirrorSnapshotRecords.Set(float64(len(indexed)))
	m.log.DebugContext(ctx, "Refreshed svcconfig snapshot.", "records", len(indexed))
	return nil
}
