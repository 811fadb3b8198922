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
	"io"
	"time"
)

// Event describes one step of a request. Frame holds the bytes sent in
// StateSent and the bytes received in StateDecoded; it is nil otherwise.
// A request that fails before its frame is written goes straight to
// StateErrored or StateTimedOut with Sent false.
type Event struct {
	SessionID string
	Mode      Mode
	Request   Request
	State     RequestState
	Frame     []byte
	Latency   time.Duration // time since the request was sent
	Err       error
	Sent      bool // the request frame was written
	Time      time.Time
}

// Observer receives request events. OnEvent is called synchronously on the
// requesting goroutine and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}

// MultiObserver fans events out to every non-nil observer.
func MultiObserver(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

// TraceObserver writes every event as a DEBUG line to its writer.
type TraceObserver struct {
	W io.Writer
}

// NewTraceObserver returns an observer that traces to w.
func NewTraceObserver(w io.Writer) *TraceObserver {
	return &TraceObserver{W: w}
}

func (o *TraceObserver) OnEvent(e Event) {
	line := fmt.Sprintf("[%s] %s txid=%d %s", e.SessionID, e.Request, e.Request.TransactionID, e.State)
	if e.Frame != nil {
		line += fmt.Sprintf(" frame=[% X]", e.Frame)
	}
	if e.State != StateSent && e.Latency > 0 {
		line += fmt.Sprintf(" latency=%s", e.Latency)
	}
	if e.Err != nil {
		line += fmt.Sprintf(" err=%v", e.Err)
	}
	logf(o.W, LevelDebug, "%s", line)
}
