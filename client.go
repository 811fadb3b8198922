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
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a Modbus master session. It owns its transport and its
// transaction state; requests on one client are exchanged one at a time.
type Client struct {
	mu        sync.Mutex // held for the whole of one exchange
	mode      Mode
	transport Transport
	tracker   *Tracker
	decoder   *Decoder
	rtu       *RTUPackager
	tcp       *TCPPackager
	unitID    uint8
	timeout   time.Duration
	frameGap  time.Duration
	logger    io.Writer
	observer  Observer
	debug     bool
	failFast  bool
	sessionID string
	closed    bool

	errMu           sync.Mutex
	lastModbusError *ModbusError
}

var _ ModbusApi = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithUnitID sets the unit addressed by the typed read methods.
func WithUnitID(id uint8) Option {
	return func(c *Client) { c.unitID = id }
}

// WithTimeout bounds every request. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithFrameGap sets how long an RTU response may pause before the frame is
// taken as ended. It only applies to replies whose header disagrees with the
// request.
func WithFrameGap(d time.Duration) Option {
	return func(c *Client) { c.frameGap = d }
}

// WithObserver adds an observer for request events.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = MultiObserver(c.observer, o) }
}

// WithLogger sets where the session logs.
func WithLogger(w io.Writer) Option {
	return func(c *Client) { c.logger = w }
}

// WithDebug traces every request event to the session logger.
func WithDebug(on bool) Option {
	return func(c *Client) { c.debug = on }
}

// WithFailWhenBusy makes a request fail with ErrSessionBusy instead of
// waiting while another request is in flight.
func WithFailWhenBusy() Option {
	return func(c *Client) { c.failFast = true }
}

// NewClient validates cfg and creates a client for it. The link is opened
// by Connect or by the first request.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{WithUnitID(cfg.UnitID), WithTimeout(cfg.Timeout), WithDebug(cfg.Debug)}
	if cfg.Mode == ModeRTU {
		base = append(base, WithFrameGap(cfg.Serial.frameGap()))
	}
	if cfg.Debug {
		base = append(base, WithLogger(NewSimpleLogger(os.Stderr, LevelDebug, "modbus")))
	}
	return NewClientWithTransport(cfg.Mode, cfg.NewTransport(), append(base, opts...)...), nil
}

// NewClientWithTransport creates a client over an existing transport.
func NewClientWithTransport(mode Mode, t Transport, opts ...Option) *Client {
	tracker := NewTracker()
	c := &Client{
		mode:      mode,
		transport: t,
		tracker:   tracker,
		decoder:   NewDecoder(tracker),
		rtu:       NewRTUPackager(),
		tcp:       NewTCPPackager(),
		unitID:    defaultUnitID,
		timeout:   defaultTimeout,
		frameGap:  defaultFrameGap,
		logger:    NewSimpleLogger(os.Stderr, LevelWarning, "modbus"),
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMode returns the framing of this session.
func (c *Client) GetMode() Mode {
	return c.mode
}

// SessionID identifies this session in events and metrics.
func (c *Client) SessionID() string {
	return c.sessionID
}

// UnitID returns the unit addressed by the typed read methods.
func (c *Client) UnitID() uint8 {
	return c.unitID
}

// SetLogger sets where the session logs. It waits for a running request.
func (c *Client) SetLogger(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = w
}

// GetLastModbusError returns the last exception a slave answered with.
func (c *Client) GetLastModbusError() *ModbusError {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastModbusError
}

func (c *Client) setLastModbusError(err *ModbusError) {
	c.errMu.Lock()
	c.lastModbusError = err
	c.errMu.Unlock()
}

// Connect opens the link now instead of on the first request.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.transport.Open(ctx)
}

// Close closes the link. Requests after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.transport.Close()
}

// ReadCoils reads quantity coils starting at address (function 0x01).
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	resp, err := c.read(ctx, FuncReadCoils, address, quantity)
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address (function 0x02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	resp, err := c.read(ctx, FuncReadDiscreteInputs, address, quantity)
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address (function 0x03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := c.read(ctx, FuncReadHoldingRegisters, address, quantity)
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadInputRegisters reads quantity input registers starting at address (function 0x04).
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := c.read(ctx, FuncReadInputRegisters, address, quantity)
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// read builds a request for the session unit and turns an exception
// response into a *ModbusError.
func (c *Client) read(ctx context.Context, fc FunctionCode, address, quantity uint16) (*Response, error) {
	req, err := NewReadRequest(fc, c.unitID, address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("modbus: %s (unit %d): %w", fc, c.unitID, err)
	}
	if resp.Exception != nil {
		return nil, fmt.Errorf("modbus: %s (unit %d): %w", fc, c.unitID, resp.Exception)
	}
	return resp, nil
}

// Read exchanges req with its unit. A slave exception is a successful
// exchange: the Response carries it and err is nil.
func (c *Client) Read(ctx context.Context, req Request) (*Response, error) {
	if _, err := NewReadRequest(req.Function, req.UnitID, req.Address, req.Quantity); err != nil {
		return nil, err
	}
	if c.failFast {
		if !c.mu.TryLock() {
			return nil, ErrSessionBusy
		}
	} else {
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Exception != nil {
		c.setLastModbusError(resp.Exception)
		logf(c.logger, LevelWarning, "%s: %v", req, resp.Exception)
	}
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// exchange runs one request through Sent, AwaitingResponse and a final state.
func (c *Client) exchange(ctx context.Context, req Request) (*Response, error) {
	var (
		frame []byte
		err   error
	)
	if c.mode.isRTUFramed() {
		if err := c.tracker.Begin(); err != nil {
			return nil, err
		}
		defer c.tracker.End()
		frame, err = c.rtu.Pack(req.UnitID, req.PDU())
	} else {
		req.TransactionID = c.tracker.Allocate()
		if err := c.tracker.Register(req); err != nil {
			return nil, err
		}
		defer c.tracker.Resolve(req.TransactionID)
		frame, err = c.tcp.Pack(req.TransactionID, req.UnitID, req.PDU())
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.transport.Open(ctx); err != nil {
		return nil, c.fail(req, start, false, err)
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		return nil, c.fail(req, start, false, err)
	}
	c.emit(Event{Request: req, State: StateSent, Frame: frame, Sent: true})
	c.emit(Event{Request: req, State: StateAwaitingResponse, Latency: time.Since(start), Sent: true})

	reply, err := c.receive(ctx, req)
	if err != nil {
		return nil, c.fail(req, start, true, err)
	}
	resp, err := c.decoder.Decode(c.mode, reply, req)
	if err != nil {
		return nil, c.fail(req, start, true, err)
	}
	var excErr error
	if resp.Exception != nil {
		excErr = resp.Exception
	}
	c.emit(Event{Request: req, State: StateDecoded, Frame: reply, Latency: time.Since(start), Err: excErr, Sent: true})
	return resp, nil
}

// receive reads one response frame, using its header to learn its length.
func (c *Client) receive(ctx context.Context, req Request) ([]byte, error) {
	if c.mode.isRTUFramed() {
		return c.receiveRTU(ctx, req)
	}

	head, err := c.transport.Receive(ctx, TCPHeaderLength)
	if err != nil {
		return nil, err
	}
	header, err := c.tcp.ParseHeader(head)
	if err != nil {
		return nil, err
	}
	pdu, err := c.transport.Receive(ctx, header.PDULength())
	if err != nil {
		return nil, err
	}
	return append(head, pdu...), nil
}

// receiveRTU reads an RTU response up to each of its candidate lengths in
// turn. The first length with a valid CRC ends the frame; so does a line
// that stays silent for the frame gap. Whatever was read then goes to the
// decoder, which reports a bad CRC as frame corruption.
func (c *Client) receiveRTU(ctx context.Context, req Request) ([]byte, error) {
	frame, err := c.transport.Receive(ctx, 3)
	if err != nil {
		return nil, err
	}
	lengths, err := rtuFrameLengths(frame, req)
	if err != nil {
		return nil, err
	}
	for i, n := range lengths {
		if i == 0 {
			tail, err := c.transport.Receive(ctx, n-len(frame))
			if err != nil {
				return nil, err
			}
			frame = append(frame, tail...)
			continue
		}
		if CheckCRC(frame) {
			break
		}
		tail, err := c.receiveWithin(ctx, c.frameGap, n-len(frame))
		if err != nil {
			if ctx.Err() == nil && IsTimeout(err) {
				break
			}
			return nil, err
		}
		frame = append(frame, tail...)
	}
	return frame, nil
}

func (c *Client) receiveWithin(ctx context.Context, d time.Duration, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return c.transport.Receive(ctx, n)
}

// fail reports a failed exchange. Any failure that may leave bytes in
// flight closes the link; the next request reopens it.
func (c *Client) fail(req Request, start time.Time, sent bool, err error) error {
	state := StateErrored
	if IsTimeout(err) {
		state = StateTimedOut
	}
	c.emit(Event{Request: req, State: state, Latency: time.Since(start), Err: err, Sent: sent})
	logf(c.logger, LevelWarning, "%s %s: %v", c.transport.RemoteAddr(), req, err)
	if isLinkError(err) {
		logf(c.logger, LevelDebug, "drop link to %s with %d outstanding", c.transport.RemoteAddr(), c.tracker.Outstanding())
		c.tracker.Reset()
		if cerr := c.transport.Close(); cerr != nil {
			logf(c.logger, LevelDebug, "close %s: %v", c.transport.RemoteAddr(), cerr)
		}
	}
	return err
}

func (c *Client) emit(e Event) {
	if c.observer == nil && !c.debug {
		return
	}
	e.SessionID = c.sessionID
	e.Mode = c.mode
	e.Time = time.Now()
	if c.debug {
		NewTraceObserver(c.logger).OnEvent(e)
	}
	if c.observer != nil {
		c.observer.OnEvent(e)
	}
}
