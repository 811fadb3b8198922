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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Transport moves raw frames between the master and a slave. Receive
// returns exactly n bytes or fails; a failed or cancelled call leaves the
// link in an unknown state and callers must Close it before reuse.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context, n int) ([]byte, error)
	RemoteAddr() string
}

// DialFunc opens the byte stream a StreamTransport runs on.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// StreamTransport runs Modbus frames over any io.ReadWriteCloser: a serial
// port, a TCP connection or an in-memory pipe. The stream is dialled lazily
// and dialled again after Close, so a link dropped on timeout comes back
// empty for the next request.
type StreamTransport struct {
	mu   sync.Mutex
	dial DialFunc
	addr string
	conn io.ReadWriteCloser
}

// NewStreamTransport creates a transport that opens its stream with dial.
func NewStreamTransport(addr string, dial DialFunc) *StreamTransport {
	return &StreamTransport{dial: dial, addr: addr}
}

// RemoteAddr returns the address the transport dials.
func (t *StreamTransport) RemoteAddr() string {
	return t.addr
}

// Open dials the stream unless it is already open.
func (t *StreamTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	if t.dial == nil {
		return fmt.Errorf("modbus: no dialer for %s", t.addr)
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return classifyIOError("open "+t.addr, err)
	}
	t.conn = conn
	return nil
}

// Close closes the stream. It is safe to call on a closed transport.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *StreamTransport) current() (io.ReadWriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("modbus: transport %s is not open", t.addr)
	}
	return t.conn, nil
}

// Send writes the whole frame or fails.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: cannot write empty frame", ErrInvalidArgument)
	}
	conn, err := t.current()
	if err != nil {
		return err
	}
	return t.do(ctx, conn, "write", func() error {
		written := 0
		for written < len(frame) {
			n, err := conn.Write(frame[written:])
			if err != nil {
				return fmt.Errorf("write failed after %d bytes: %w", written, err)
			}
			written += n
		}
		return nil
	})
}

// Receive reads exactly n bytes.
func (t *StreamTransport) Receive(ctx context.Context, n int) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	err = t.do(ctx, conn, "read", func() error {
		_, err := io.ReadFull(conn, buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// do runs op until it finishes or ctx ends. When ctx ends first the stream
// is closed, which also unblocks op.
func (t *StreamTransport) do(ctx context.Context, conn io.ReadWriteCloser, name string, op func() error) error {
	if d, ok := conn.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := d.SetDeadline(deadline); err != nil {
				return fmt.Errorf("modbus: set deadline: %w", err)
			}
			defer d.SetDeadline(time.Time{})
		}
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return classifyIOError(name+" "+t.addr, err)
	case <-ctx.Done():
		t.Close()
		return classifyIOError(name+" "+t.addr, ctx.Err())
	}
}

// isLinkError reports whether err leaves the stream in an unknown state.
func isLinkError(err error) bool {
	var mbErr *ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	return !errors.Is(err, ErrInvalidArgument) && !errors.Is(err, ErrSessionBusy) && !errors.Is(err, ErrClosed)
}
