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

package utils

import (
	"sync"

	"github.com/gravitational/trace"
)

// Ring implements an in-memory circular buffer of predefined size.
// Once full, Add evicts the oldest element and reports the eviction
// so callers can account for the loss.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	size  int
}

// NewRing returns a new ring that holds up to size elements before
// it starts evicting the oldest ones.
func NewRing[T any](size int) (*Ring[T], error) {
	if size <= 0 {
		return nil, trace.BadParameter("ring size should be > 0")
	}
	return &Ring[T]{buf: make([]T, size)}, nil
}

// Add pushes a new item onto the ring. If the ring is full the oldest
// item is evicted and returned with evicted=true.
func (r *Ring[T]) Add(item T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = item
		r.size++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = item
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (item T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return item, false
	}
	item = r.buf[r.start]
	var zero T
	r.buf[r.start] = zero
	r.start = (r.start + 1) % len(r.buf)
	r.size--
	return item, true
}

// Data returns up to n of the oldest items in insertion order.
func (r *Ring[T]) Data(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
