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
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves scripted snapshots.
type fakeFetcher struct {
	mu      sync.Mutex
	records []SvcRecord
	err     error
	fetches int
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context) ([]SvcRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeFetcher) set(records []SvcRecord, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records, f.err = records, err
}

func record(slug string, version int, baseURL string) SvcRecord {
	return SvcRecord{Env: "test", Slug: slug, Version: version, BaseURL: baseURL}
}

func TestMirrorResolve(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{records: []SvcRecord{
		record("billing", 1, "http://billing-v1.internal"),
		record("billing", 2, "http://billing-v2.internal"),
	}}
	mirror, err := NewMirror(context.Background(), MirrorConfig{Fetcher: fetcher})
	require.NoError(t, err)

	got, err := mirror.ResolveTarget("test", "billing", 2)
	require.NoError(t, err)
	require.Equal(t, "http://billing-v2.internal", got.BaseURL)

	// Base URLs are version exact, no any-version fallback.
	_, err = mirror.ResolveTarget("test", "billing", 3)
	require.True(t, trace.IsNotFound(err))
	_, err = mirror.ResolveTarget("prod", "billing", 1)
	require.True(t, trace.IsNotFound(err))
}

func TestMirrorPolicyFallback(t *testing.T) {
	t.Parallel()

	exact := &RoutePolicy{Revision: "exact"}
	anyVersion := &RoutePolicy{Revision: "any"}

	withPolicy := func(r SvcRecord, p *RoutePolicy) SvcRecord {
		r.RoutePolicy = p
		return r
	}
	fetcher := &fakeFetcher{records: []SvcRecord{
		withPolicy(record("billing", 1, "http://billing-v1.internal"), exact),
		withPolicy(record("billing", AnyVersion, "http://billing.internal"), anyVersion),
		record("ledger", 1, "http://ledger.internal"),
	}}
	mirror, err := NewMirror(context.Background(), MirrorConfig{Fetcher: fetcher})
	require.NoError(t, err)

	require.Equal(t, "exact", mirror.RoutePolicyFor("test", "billing", 1).Revision)
	require.Equal(t, "any", mirror.RoutePolicyFor("test", "billing", 2).Revision)
	require.Nil(t, mirror.RoutePolicyFor("test", "ledger", 1))
	require.Nil(t, mirror.RoutePolicyFor("test", "unknown", 1))
}

func TestMirrorInitialFetchMustSucceed(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: trace.ConnectionProblem(nil, "facilitator down")}
	_, err := NewMirror(context.Background(), MirrorConfig{Fetcher: fetcher})
	require.Error(t, err)
}

func TestMirrorRejectsBadSnapshots(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{records: []SvcRecord{
		record("billing", 1, "http://billing.internal"),
		record("billing", 1, "http://other.internal"),
	}}
	_, err := NewMirror(context.Background(), MirrorConfig{Fetcher: fetcher})
	require.True(t, trace.IsBadParameter(err))

	fetcher = &fakeFetcher{records: []SvcRecord{record("billing", 1, "not-a-url")}}
	_, err = NewMirror(context.Background(), MirrorConfig{Fetcher: fetcher})
	require.True(t, trace.IsBadParameter(err))
}

func TestMirrorKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	fetcher := &fakeFetcher{records: []SvcRecord{record("billing", 1, "http://billing.internal")}}
	mirror, err := NewMirror(context.Background(), MirrorConfig{
		Fetcher:       fetcher,
		RefreshPeriod: time.Minute,
		Clock:         clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Run(ctx)
	}()

	// Next refresh fails; the previous snapshot must survive.
	fetcher.set(nil, trace.ConnectionProblem(nil, "facilitator down"))
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.fetches >= 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err = mirror.ResolveTarget("test", "billing", 1)
	require.NoError(t, err)

	// A later good fetch swaps the snapshot in atomically.
	fetcher.set([]SvcRecord{record("ledger", 1, "http://ledger.internal")}, nil)
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, err := mirror.ResolveTarget("test", "ledger", 1)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMirrorRetriesFailedRefreshSooner(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	fetcher := &fakeFetcher{records: []SvcRecord{record("billing", 1, "http://billing.internal")}}
	mirror, err := NewMirror(context.Background(), MirrorConfig{
		Fetcher:       fetcher,
		RefreshPeriod: time.Minute,
		Clock:         clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Run(ctx)
	}()

	fetcher.set(nil, trace.ConnectionProblem(nil, "facilitator down"))
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.fetches >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// The retry after a failure fires well before the full refresh
	// period elapses.
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.fetches >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
