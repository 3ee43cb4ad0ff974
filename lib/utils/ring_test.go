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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingEviction(t *testing.T) {
	t.Parallel()

	ring, err := NewRing[int](3)
	require.NoError(t, err)
	require.Equal(t, 0, ring.Len())

	for i := 1; i <= 3; i++ {
		_, evicted := ring.Add(i)
		require.False(t, evicted)
	}
	require.Equal(t, 3, ring.Len())

	old, evicted := ring.Add(4)
	require.True(t, evicted)
	require.Equal(t, 1, old)
	require.Equal(t, []int{2, 3, 4}, ring.Data(10))
}

func TestRingPopOrder(t *testing.T) {
	t.Parallel()

	ring, err := NewRing[string](2)
	require.NoError(t, err)

	ring.Add("a")
	ring.Add("b")
	item, ok := ring.Pop()
	require.True(t, ok)
	require.Equal(t, "a", item)
	item, ok = ring.Pop()
	require.True(t, ok)
	require.Equal(t, "b", item)
	_, ok = ring.Pop()
	require.False(t, ok)
}

func TestRingRejectsZeroSize(t *testing.T) {
	t.Parallel()

	_, err := NewRing[int](0)
	require.Error(t, err)
}
