// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAllocateWraps(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 0x10000; i++ {
		require.Equal(t, uint16(i), tr.Allocate())
	}
	assert.Equal(t, uint16(0), tr.Allocate())
	assert.Equal(t, uint16(1), tr.Allocate())
}

func TestTrackerAllocateConcurrent(t *testing.T) {
	tr := NewTracker()
	seen := make(map[uint16]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := tr.Allocate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8000)
}

func TestTrackerBusy(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Begin())
	assert.True(t, errors.Is(tr.Begin(), ErrSessionBusy))
	assert.Equal(t, 1, tr.Outstanding())
	tr.End()
	assert.NoError(t, tr.Begin())
}

func TestTrackerPending(t *testing.T) {
	tr := NewTracker()
	a := Request{Function: FuncReadCoils, UnitID: 1, Quantity: 1, TransactionID: 7}
	b := Request{Function: FuncReadHoldingRegisters, UnitID: 1, Quantity: 2, TransactionID: 8}
	require.NoError(t, tr.Register(a))
	require.NoError(t, tr.Register(b))
	assert.ErrorIs(t, tr.Register(a), ErrSessionBusy)

	got, ok := tr.Resolve(8)
	require.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = tr.Resolve(8)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Outstanding())

	tr.Reset()
	assert.Equal(t, 0, tr.Outstanding())
}

func TestTrackersAreIndependent(t *testing.T) {
	a, b := NewTracker(), NewTracker()
	a.Allocate()
	a.Allocate()
	assert.Equal(t, uint16(0), b.Allocate())
	require.NoError(t, a.Begin())
	assert.NoError(t, b.Begin())
}
