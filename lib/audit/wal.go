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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/meshcore"
	"github.com/gravitational/meshcore/lib/defaults"
	"github.com/gravitational/meshcore/lib/utils"
)

var (
	walEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_wal_enqueued_total",
			Help: "Number of audit events appended to the journal",
		},
	)
	walDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_wal_dropped_total",
			Help: "Number of audit events refused because the journal hit its disk budget",
		},
	)
	walDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_wal_dispatched_total",
			Help: "Number of audit events acknowledged by the sink",
		},
	)
	walPoisonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_wal_poisoned_total",
			Help: "Number of audit events permanently rejected or unparseable",
		},
	)
	walRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_wal_dispatch_retries_total",
			Help: "Number of dispatch attempts that failed and will be retried",
		},
	)
	walBacklogBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_wal_backlog_bytes",
			Help: "Journal bytes on disk, dispatched or not",
		},
	)
)

func init() {
	prometheus.MustRegister(
		walEnqueuedTotal, walDroppedTotal, walDispatchedTotal,
		walPoisonedTotal, walRetriesTotal, walBacklogBytes,
	)
}

// ErrPermanentReject marks a dispatch failure that retrying cannot fix,
// typically a 4xx from the sink. The drainer skips past the batch
// instead of retrying it forever.
var ErrPermanentReject = errors.New("audit sink permanently rejected batch")

// ErrJournalFull is returned by Enqueue once the journal exceeds its
// disk budget.
var ErrJournalFull = errors.New("audit journal disk budget exceeded")

// Dispatcher delivers one batch of events to the audit sink. A nil
// return acknowledges the whole batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []*Event) error
}

// WALConfig configures the write-ahead journal.
type WALConfig struct {
	// Dir is the journal directory, created 0700 if missing.
	Dir string
	// Dispatcher delivers drained batches.
	Dispatcher Dispatcher
	// BatchSize caps events per dispatch.
	BatchSize int
	// FileMaxBytes rotates a journal file past this size.
	FileMaxBytes int64
	// RetentionDays is how long rotated files are kept.
	RetentionDays int
	// RingMax bounds the in-memory staging ring.
	RingMax int
	// DropAfterBytes is the journal disk budget.
	DropAfterBytes int64
	// BackoffBase and BackoffCap shape the drain retry schedule.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *WALConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.WALBatchSize
	}
	if c.FileMaxBytes <= 0 {
		c.FileMaxBytes = defaults.WALFileMaxBytes
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaults.WALRetentionDays
	}
	if c.RingMax <= 0 {
		c.RingMax = defaults.WALRingMax
	}
	if c.DropAfterBytes <= 0 {
		c.DropAfterBytes = defaults.WALDropAfterBytes
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.WALDrainBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.WALDrainBackoffCap
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// position addresses a byte offset inside a journal file.
type position struct {
	File   string `json:"file"`
	Offset int64  `json:"byteOffset"`
}

// ringEntry pairs a staged event with the journal offset right after
// its line, so acknowledging it can advance the cursor.
type ringEntry struct {
	event *Event
	end   position
}

// WAL is a write-ahead journal for audit events. Enqueue appends the
// event to an NDJSON day file and fsyncs before reporting success; a
// single drainer goroutine ships batches to the sink and advances a
// persisted cursor only after the sink acknowledges. Delivery is
// at-least-once.
type WAL struct {
	cfg WALConfig
	log *slog.Logger

	mu        sync.Mutex
	file      *os.File
	fileName  string
	fileSize  int64
	day       string
	seq       int
	cursor    position
	ring      *utils.Ring[ringEntry]
	gap       bool
	diskBytes int64
	closed    bool

	notifyC chan struct{}
}

// OpenWAL opens the journal directory, positions the writer on today's
// file and loads the drain cursor. A missing cursor replays the whole
// journal.
func OpenWAL(cfg WALConfig) (*WAL, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, meshcore.PrivateDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	ring, err := utils.NewRing[ringEntry](cfg.RingMax)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w := &WAL{
		cfg:     cfg,
		log:     slog.With(meshcore.ComponentKey, meshcore.ComponentAuditWAL),
		ring:    ring,
		gap:     true,
		notifyC: make(chan struct{}, 1),
	}
	if err := w.openWriter(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.loadCursor(); err != nil {
		return nil, trace.Wrap(err)
	}
	w.deleteExpired()
	w.notify()
	return w, nil
}

// journalFiles lists journal files oldest first.
func (w *WAL) journalFiles() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, _, ok := parseFileName(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return fileLess(names[i], names[j])
	})
	return names, nil
}

func fileName(day string, seq int) string {
	if seq == 0 {
		return defaults.WALFilePrefix + day + defaults.WALFileExt
	}
	return fmt.Sprintf("%s%s-%d%s", defaults.WALFilePrefix, day, seq, defaults.WALFileExt)
}

func parseFileName(name string) (day string, seq int, ok bool) {
	if !strings.HasPrefix(name, defaults.WALFilePrefix) || !strings.HasSuffix(name, defaults.WALFileExt) {
		return "", 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, defaults.WALFilePrefix), defaults.WALFileExt)
	day, seqText, found := strings.Cut(stem, "-")
	if len(day) != 8 {
		return "", 0, false
	}
	if _, err := time.Parse("20060102", day); err != nil {
		return "", 0, false
	}
	if !found {
		return day, 0, true
	}
	seq, err := strconv.Atoi(seqText)
	if err != nil || seq < 1 {
		return "", 0, false
	}
	return day, seq, true
}

func fileLess(a, b string) bool {
	dayA, seqA, _ := parseFileName(a)
	dayB, seqB, _ := parseFileName(b)
	if dayA != dayB {
		return dayA < dayB
	}
	return seqA < seqB
}

// openWriter positions the append side on the newest journal file for
// today, or creates one.
func (w *WAL) openWriter() error {
	names, err := w.journalFiles()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(w.cfg.Dir, name))
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		w.diskBytes += info.Size()
	}
	today := w.cfg.Clock.Now().UTC().Format("20060102")
	w.day, w.seq = today, 0
	if len(names) > 0 {
		newest := names[len(names)-1]
		day, seq, _ := parseFileName(newest)
		if day == today {
			info, err := os.Stat(filepath.Join(w.cfg.Dir, newest))
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			w.seq = seq
			if info.Size() >= w.cfg.FileMaxBytes {
				w.seq = seq + 1
			}
		}
	}
	return trace.Wrap(w.openFileLocked())
}

func (w *WAL) openFileLocked() error {
	name := fileName(w.day, w.seq)
	file, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, meshcore.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return trace.ConvertSystemError(err)
	}
	w.file, w.fileName, w.fileSize = file, name, info.Size()
	return nil
}

func (w *WAL) loadCursor() error {
	data, err := os.ReadFile(filepath.Join(w.cfg.Dir, defaults.WALCursorFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
		names, err := w.journalFiles()
		if err != nil {
			return trace.Wrap(err)
		}
		w.cursor = position{File: names[0]}
		return nil
	}
	var cursor position
	if err := parseCursor(data, &cursor); err != nil {
		w.log.Warn("Corrupt drain cursor, replaying journal from the start.", "error", err)
		names, listErr := w.journalFiles()
		if listErr != nil {
			return trace.Wrap(listErr)
		}
		w.cursor = position{File: names[0]}
		return nil
	}
	if _, _, ok := parseFileName(cursor.File); !ok || cursor.Offset < 0 {
		return trace.BadParameter("invalid drain cursor %+v", cursor)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.Dir, cursor.File)); os.IsNotExist(err) {
		// The cursor's file was reaped; resume at the oldest survivor.
		names, listErr := w.journalFiles()
		if listErr != nil {
			return trace.Wrap(listErr)
		}
		cursor = position{File: names[0]}
	}
	w.cursor = cursor
	return nil
}

func parseCursor(data []byte, cursor *position) error {
	if err := json.Unmarshal(data, cursor); err != nil {
		return trace.BadParameter("failed to parse drain cursor: %v", err)
	}
	return nil
}

// persistCursorLocked writes the cursor to a temp file and renames it
// over the old one so a crash never leaves a torn cursor.
func (w *WAL) persistCursorLocked() error {
	data, err := json.Marshal(w.cursor)
	if err != nil {
		return trace.Wrap(err)
	}
	path := filepath.Join(w.cfg.Dir, defaults.WALCursorFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, meshcore.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Enqueue journals one event. The write is fsynced before Enqueue
// returns; a refused enqueue never blocks request handling for long.
func (w *WAL) Enqueue(event *Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	line, err := event.MarshalLine()
	if err != nil {
		return trace.Wrap(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return trace.Errorf("audit journal is closed")
	}
	if w.diskBytes+int64(len(line)) > w.cfg.DropAfterBytes {
		walDroppedTotal.Inc()
		return trace.Wrap(ErrJournalFull)
	}
	if err := w.rotateIfNeededLocked(); err != nil {
		return trace.Wrap(err)
	}
	if _, err := w.file.Write(line); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := w.file.Sync(); err != nil {
		return trace.ConvertSystemError(err)
	}
	w.fileSize += int64(len(line))
	w.diskBytes += int64(len(line))
	walBacklogBytes.Set(float64(w.diskBytes))
	walEnqueuedTotal.Inc()

	if _, evicted := w.ring.Add(ringEntry{
		event: event,
		end:   position{File: w.fileName, Offset: w.fileSize},
	}); evicted && !w.gap {
		// Evicted entries survive on disk; fall back to journal reads
		// until the drainer catches back up.
		w.gap = true
		w.log.Warn("Audit staging ring overflowed, draining from disk.", "ring_max", w.cfg.RingMax)
	}
	w.notify()
	return nil
}

func (w *WAL) rotateIfNeededLocked() error {
	today := w.cfg.Clock.Now().UTC().Format("20060102")
	switch {
	case today != w.day:
		w.day, w.seq = today, 0
	case w.fileSize >= w.cfg.FileMaxBytes:
		w.seq++
	default:
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := w.file.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := w.openFileLocked(); err != nil {
		return trace.Wrap(err)
	}
	w.deleteExpired()
	return nil
}

// deleteExpired reaps fully dispatched journal files older than the
// retention window. Never deletes the writer's file or any file the
// cursor has not passed.
func (w *WAL) deleteExpired() {
	names, err := w.journalFiles()
	if err != nil {
		w.log.Warn("Failed to list journal files for retention.", "error", err)
		return
	}
	horizon := w.cfg.Clock.Now().UTC().AddDate(0, 0, -w.cfg.RetentionDays).Format("20060102")
	for _, name := range names {
		day, _, _ := parseFileName(name)
		if day >= horizon || name == w.fileName || !fileLess(name, w.cursor.File) {
			continue
		}
		path := filepath.Join(w.cfg.Dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.log.Warn("Failed to remove expired journal file.", "file", name, "error", err)
			continue
		}
		w.diskBytes -= info.Size()
		w.log.Info("Removed expired journal file.", "file", name)
	}
	walBacklogBytes.Set(float64(w.diskBytes))
}

func (w *WAL) notify() {
	select {
	case w.notifyC <- struct{}{}:
	default:
	}
}

// Run drains the journal until the context is canceled. Drain is
// event-driven: Enqueue nudges it, and a failed dispatch backs off
// exponentially with jitter before retrying the same batch.
func (w *WAL) Run(ctx context.Context) {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   w.cfg.BackoffBase,
		Max:    w.cfg.BackoffCap,
		Factor: defaults.WALDrainBackoffFactor,
		Jitter: utils.NewTenthJitter(),
		Clock:  w.cfg.Clock,
	})
	if err != nil {
		w.log.Error("Failed to build drain retry schedule.", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notifyC:
		}
		for {
			if err := w.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				walRetriesTotal.Inc()
				retry.Inc()
				w.log.Warn("Audit dispatch failed, backing off.", "error", err, "backoff", retry.Duration())
				select {
				case <-ctx.Done():
					return
				case <-retry.After():
				}
				continue
			}
			retry.Reset()
			if !w.hasBacklog() {
				break
			}
		}
	}
}

func (w *WAL) hasBacklog() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gap {
		return w.cursor.File != w.fileName || w.cursor.Offset < w.fileSize
	}
	return w.ring.Len() > 0
}

// DrainOnce ships at most one batch. Used during shutdown for a final
// best-effort flush.
func (w *WAL) DrainOnce(ctx context.Context) error {
	return trace.Wrap(w.drainOnce(ctx))
}

func (w *WAL) drainOnce(ctx context.Context) error {
	events, end, err := w.nextBatch()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(events) == 0 {
		return nil
	}
	if err := w.cfg.Dispatcher.Dispatch(ctx, events); err != nil {
		if errors.Is(err, ErrPermanentReject) {
			walPoisonedTotal.Add(float64(len(events)))
			w.log.Error("Audit sink permanently rejected batch, skipping it.",
				"events", len(events), "error", err)
			return trace.Wrap(w.advanceCursor(end))
		}
		// The batch may have been popped off the staging ring; the
		// journal still holds it past the un-advanced cursor, so drain
		// from disk until the sink has acknowledged everything staged.
		w.mu.Lock()
		w.gap = true
		w.mu.Unlock()
		return trace.Wrap(err)
	}
	walDispatchedTotal.Add(float64(len(events)))
	return trace.Wrap(w.advanceCursor(end))
}

func (w *WAL) advanceCursor(end position) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = end
	return trace.Wrap(w.persistCursorLocked())
}

// nextBatch returns the next undispatched batch and the cursor value
// that acknowledges it. In steady state it serves from the staging
// ring; after a restart or a ring overflow it reads the journal at the
// cursor until caught up.
func (w *WAL) nextBatch() ([]*Event, position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.gap {
		var events []*Event
		end := w.cursor
		for len(events) < w.cfg.BatchSize {
			entry, ok := w.ring.Pop()
			if !ok {
				break
			}
			events = append(events, entry.event)
			end = entry.end
		}
		return events, end, nil
	}

	events, end, err := w.readBatchLocked()
	if err != nil {
		return nil, position{}, trace.Wrap(err)
	}
	if len(events) == 0 {
		// Caught up: everything journaled so far was read via disk, so
		// drop the staged duplicates and resume ring drain.
		w.gap = false
		for {
			if _, ok := w.ring.Pop(); !ok {
				break
			}
		}
	}
	return events, end, nil
}

// readBatchLocked reads up to BatchSize events from the journal at the
// cursor. Unparseable lines are skipped and counted; a torn trailing
// line in the writer's current file is left for the next pass.
func (w *WAL) readBatchLocked() ([]*Event, position, error) {
	pos := w.cursor
	for {
		events, next, err := w.readFileFrom(pos)
		if err != nil {
			return nil, position{}, trace.Wrap(err)
		}
		if len(events) > 0 {
			return events, next, nil
		}
		if pos.File == w.fileName {
			return nil, pos, nil
		}
		nextFile, ok := w.fileAfter(pos.File)
		if !ok {
			return nil, pos, nil
		}
		pos = position{File: nextFile}
		// An exhausted file advances the cursor so retention can reap it.
		w.cursor = pos
		if err := w.persistCursorLocked(); err != nil {
			return nil, position{}, trace.Wrap(err)
		}
	}
}

func (w *WAL) readFileFrom(pos position) ([]*Event, position, error) {
	file, err := os.Open(filepath.Join(w.cfg.Dir, pos.File))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pos, nil
		}
		return nil, position{}, trace.ConvertSystemError(err)
	}
	defer file.Close()
	if _, err := file.Seek(pos.Offset, io.SeekStart); err != nil {
		return nil, position{}, trace.ConvertSystemError(err)
	}

	reader := bufio.NewReaderSize(file, 64<<10)
	var events []*Event
	offset := pos.Offset
	for len(events) < w.cfg.BatchSize {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 && pos.File != w.fileName {
				// Torn trailing line in a closed file: a crash artifact.
				walPoisonedTotal.Inc()
				w.log.Warn("Skipping torn trailing journal line.", "file", pos.File)
				offset += int64(len(line))
			}
			break
		}
		if err != nil {
			return nil, position{}, trace.ConvertSystemError(err)
		}
		offset += int64(len(line))
		if len(line) > defaults.WALMaxLineBytes {
			walPoisonedTotal.Inc()
			w.log.Warn("Skipping oversized journal line.", "file", pos.File, "bytes", len(line))
			continue
		}
		event, err := ParseLine(line)
		if err != nil {
			walPoisonedTotal.Inc()
			w.log.Warn("Skipping unparseable journal line.", "file", pos.File, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, position{File: pos.File, Offset: offset}, nil
}

func (w *WAL) fileAfter(name string) (string, bool) {
	names, err := w.journalFiles()
	if err != nil {
		w.log.Warn("Failed to list journal files.", "error", err)
		return "", false
	}
	for _, candidate := range names {
		if fileLess(name, candidate) {
			return candidate, true
		}
	}
	return "", false
}

// Backlog reports how many journal bytes sit on disk.
func (w *WAL) Backlog() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.diskBytes
}

// Close stops accepting events, syncs the journal and persists the
// cursor. Callers flush with DrainOnce before closing.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if err := w.file.Sync(); err != nil {
		errs = append(errs, trace.ConvertSystemError(err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, trace.ConvertSystemError(err))
	}
	if err := w.persistCursorLocked(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}
