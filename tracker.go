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
	"fmt"
	"sync"
)

// Tracker holds the per-session correlation state: the next MBAP
// transaction id, the table of outstanding TCP requests and the RTU
// in-flight flag. Every client owns its own tracker.
type Tracker struct {
	mu      sync.Mutex
	nextID  uint16
	pending map[uint16]Request
	busy    bool
}

// NewTracker returns a tracker whose first transaction id is 0.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint16]Request)}
}

// Allocate returns the current transaction id and advances the counter,
// wrapping from 0xFFFF to 0.
func (t *Tracker) Allocate() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Register records req as outstanding under its transaction id.
func (t *Tracker) Register(req Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[req.TransactionID]; ok {
		return fmt.Errorf("%w: transaction %d already outstanding", ErrSessionBusy, req.TransactionID)
	}
	t.pending[req.TransactionID] = req
	return nil
}

// Lookup returns the outstanding request with the given transaction id.
func (t *Tracker) Lookup(txID uint16) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[txID]
	return req, ok
}

// Resolve removes and returns the outstanding request with the given id.
func (t *Tracker) Resolve(txID uint16) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[txID]
	if ok {
		delete(t.pending, txID)
	}
	return req, ok
}

// Begin marks an RTU request as in flight. It fails with ErrSessionBusy
// while another request is outstanding.
func (t *Tracker) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return ErrSessionBusy
	}
	t.busy = true
	return nil
}

// End clears the RTU in-flight flag.
func (t *Tracker) End() {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
}

// Outstanding returns the number of requests awaiting a response.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	if t.busy {
		n++
	}
	return n
}

// Reset forgets every outstanding request. The transaction counter keeps
// counting so ids are not reused right after a reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[uint16]Request)
	t.busy = false
}
