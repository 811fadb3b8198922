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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave answers requests over in-memory pipes. Every dial creates a
// fresh pipe, so a dropped link leaves nothing behind.
type fakeSlave struct {
	mode   Mode
	handle func(s *fakeSlave, req Request) []byte

	mu     sync.Mutex
	dials  int
	frames [][]byte
}

func newFakeSlave(mode Mode, handle func(s *fakeSlave, req Request) []byte) *fakeSlave {
	if handle == nil {
		handle = answer
	}
	return &fakeSlave{mode: mode, handle: handle}
}

func (s *fakeSlave) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	go s.serve(server)
	return client, nil
}

func (s *fakeSlave) transport() *StreamTransport {
	return NewStreamTransport("pipe", s.dial)
}

func (s *fakeSlave) serve(conn net.Conn) {
	defer conn.Close()
	size := 8
	if s.mode == ModeTCP {
		size = 12
	}
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, buf)
		s.mu.Unlock()

		var (
			req Request
			err error
		)
		if s.mode == ModeTCP {
			header, pdu, uerr := NewTCPPackager().Unpack(buf)
			if uerr != nil {
				return
			}
			req, err = parseRequestPDU(header.UnitID, pdu)
			req.TransactionID = header.TransactionID
		} else {
			unit, pdu, uerr := NewRTUPackager().Unpack(buf)
			if uerr != nil {
				return
			}
			req, err = parseRequestPDU(unit, pdu)
		}
		if err != nil {
			return
		}
		out := s.handle(s, req)
		if out == nil {
			continue
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *fakeSlave) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeSlave) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// frame wraps pdu in the envelope of the slave's mode.
func (s *fakeSlave) frame(req Request, pdu []byte) []byte {
	if s.mode == ModeTCP {
		f, _ := NewTCPPackager().Pack(req.TransactionID, req.UnitID, pdu)
		return f
	}
	return AppendCRC(append([]byte{req.UnitID}, pdu...))
}

// answer replies with register value address+i and bit value (address+i) even.
func answer(s *fakeSlave, req Request) []byte {
	return s.frame(req, valuesPDU(req))
}

func valuesPDU(req Request) []byte {
	if functions[req.Function].kind == kindBits {
		bits := make([]bool, req.Quantity)
		for i := range bits {
			bits[i] = (int(req.Address)+i)%2 == 0
		}
		data := packBits(bits)
		return append([]byte{byte(req.Function), byte(len(data))}, data...)
	}
	pdu := []byte{byte(req.Function), byte(2 * req.Quantity)}
	for i := uint16(0); i < req.Quantity; i++ {
		pdu = binary.BigEndian.AppendUint16(pdu, req.Address+i)
	}
	return pdu
}

func newTestClient(s *fakeSlave, opts ...Option) *Client {
	base := []Option{WithTimeout(200 * time.Millisecond), WithLogger(io.Discard)}
	return NewClientWithTransport(s.mode, s.transport(), append(base, opts...)...)
}

func TestClientReads(t *testing.T) {
	for _, mode := range []Mode{ModeRTU, ModeTCP, ModeRTUOverTCP} {
		t.Run(string(mode), func(t *testing.T) {
			slave := newFakeSlave(mode, nil)
			client := newTestClient(slave)
			defer client.Close()
			ctx := context.Background()

			coils, err := client.ReadCoils(ctx, 0, 3)
			require.NoError(t, err)
			assert.Equal(t, []bool{true, false, true}, coils)

			inputs, err := client.ReadDiscreteInputs(ctx, 1, 2)
			require.NoError(t, err)
			assert.Equal(t, []bool{false, true}, inputs)

			holding, err := client.ReadHoldingRegisters(ctx, 10, 2)
			require.NoError(t, err)
			assert.Equal(t, []uint16{10, 11}, holding)

			input, err := client.ReadInputRegisters(ctx, 300, 1)
			require.NoError(t, err)
			assert.Equal(t, []uint16{300}, input)

			frames := slave.received()
			require.Len(t, frames, 4)
			offset := 1
			if mode == ModeTCP {
				offset = TCPHeaderLength
			}
			for i, fc := range []FunctionCode{FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters} {
				assert.Equal(t, byte(fc), frames[i][offset], "function code on the wire for request %d", i)
			}
			assert.Equal(t, 1, slave.dialCount())
		})
	}
}

func TestClientTCPTransactionIDs(t *testing.T) {
	slave := newFakeSlave(ModeTCP, nil)
	client := newTestClient(slave)
	defer client.Close()
	for i := 0; i < 3; i++ {
		_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
		require.NoError(t, err)
	}
	for i, frame := range slave.received() {
		assert.Equal(t, uint16(i), binary.BigEndian.Uint16(frame[0:2]))
		assert.Equal(t, uint16(0), binary.BigEndian.Uint16(frame[2:4]))
		assert.Equal(t, uint16(6), binary.BigEndian.Uint16(frame[4:6]))
	}
}

func TestClientInvalidArgumentDoesNoIO(t *testing.T) {
	slave := newFakeSlave(ModeRTU, nil)
	client := newTestClient(slave)
	_, err := client.ReadCoils(context.Background(), 0, 2001)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = client.ReadHoldingRegisters(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = client.Read(context.Background(), Request{Function: 0x06, UnitID: 1, Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, slave.dialCount())
}

func TestClientSlaveException(t *testing.T) {
	slave := newFakeSlave(ModeTCP, func(s *fakeSlave, req Request) []byte {
		return s.frame(req, []byte{byte(req.Function) | 0x80, byte(IllegalDataAddress)})
	})
	client := newTestClient(slave)
	defer client.Close()

	_, err := client.ReadCoils(context.Background(), 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlaveException)
	var mbErr *ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, FuncReadCoils, mbErr.FunctionCode)
	assert.Equal(t, IllegalDataAddress, mbErr.ExceptionCode)
	assert.Equal(t, mbErr, client.GetLastModbusError())

	req, _ := NewReadRequest(FuncReadInputRegisters, 1, 0, 1)
	resp, err := client.Read(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Exception)
	assert.Equal(t, FuncReadInputRegisters, resp.Exception.FunctionCode)
	assert.Equal(t, 1, slave.dialCount(), "an exception must not drop the link")
}

func TestClientTimeoutResyncs(t *testing.T) {
	var calls atomic.Int32
	slave := newFakeSlave(ModeTCP, func(s *fakeSlave, req Request) []byte {
		if calls.Add(1) == 1 {
			return nil
		}
		return answer(s, req)
	})
	client := newTestClient(slave, WithTimeout(50*time.Millisecond))
	defer client.Close()

	_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))

	regs, err := client.ReadHoldingRegisters(context.Background(), 7, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8}, regs)
	assert.Equal(t, 2, slave.dialCount())
}

func TestClientPartialFrameIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	slave := newFakeSlave(ModeRTU, func(s *fakeSlave, req Request) []byte {
		full := answer(s, req)
		if calls.Add(1) == 1 {
			return full[:4]
		}
		return full
	})
	client := newTestClient(slave, WithTimeout(50*time.Millisecond))
	defer client.Close()

	_, err := client.ReadInputRegisters(context.Background(), 0, 2)
	assert.ErrorIs(t, err, ErrTimeout)
	regs, err := client.ReadInputRegisters(context.Background(), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 5}, regs)
}

func TestClientContextCancel(t *testing.T) {
	slave := newFakeSlave(ModeRTU, func(s *fakeSlave, req Request) []byte { return nil })
	client := newTestClient(slave, WithTimeout(0))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := client.ReadCoils(ctx, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientDecodeFailures(t *testing.T) {
	testCases := []struct {
		name   string
		mode   Mode
		handle func(s *fakeSlave, req Request) []byte
		want   error
	}{
		{"crc", ModeRTU, func(s *fakeSlave, req Request) []byte {
			f := answer(s, req)
			f[len(f)-1] ^= 0xFF
			return f
		}, ErrFrameCorruption},
		{"unit", ModeRTU, func(s *fakeSlave, req Request) []byte {
			req.UnitID = 9
			return answer(s, req)
		}, ErrProtocolMismatch},
		{"transaction", ModeTCP, func(s *fakeSlave, req Request) []byte {
			req.TransactionID += 100
			return answer(s, req)
		}, ErrUnmatchedResponse},
		{"protocol id", ModeTCP, func(s *fakeSlave, req Request) []byte {
			f := answer(s, req)
			f[3] = 1
			return f
		}, ErrProtocolMismatch},
		{"byte count", ModeTCP, func(s *fakeSlave, req Request) []byte {
			return s.frame(req, []byte{byte(req.Function), 0x02, 0x00, 0x01})
		}, ErrMalformedResponse},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			slave := newFakeSlave(tc.mode, tc.handle)
			client := newTestClient(slave)
			defer client.Close()
			_, err := client.ReadHoldingRegisters(context.Background(), 0, 2)
			assert.ErrorIs(t, err, tc.want)
			_, err = client.ReadHoldingRegisters(context.Background(), 0, 2)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 2, slave.dialCount(), "a bad frame must drop the link")
		})
	}
}

func TestClientRTUBitFlipsAreFrameCorruption(t *testing.T) {
	replies := []struct {
		name  string
		reply func(s *fakeSlave, req Request) []byte
	}{
		{"registers", answer},
		{"exception", func(s *fakeSlave, req Request) []byte {
			return s.frame(req, []byte{byte(req.Function) | 0x80, byte(IllegalDataAddress)})
		}},
	}
	for _, r := range replies {
		t.Run(r.name, func(t *testing.T) {
			size := len(r.reply(newFakeSlave(ModeRTU, nil), mustRequest(t, FuncReadHoldingRegisters, 1, 0, 2)))
			for i := 0; i < size; i++ {
				for bit := 0; bit < 8; bit++ {
					slave := newFakeSlave(ModeRTU, func(s *fakeSlave, req Request) []byte {
						f := r.reply(s, req)
						f[i] ^= 1 << bit
						return f
					})
					client := newTestClient(slave, WithTimeout(time.Second), WithFrameGap(20*time.Millisecond))
					_, err := client.ReadHoldingRegisters(context.Background(), 0, 2)
					client.Close()
					if !errors.Is(err, ErrFrameCorruption) {
						t.Fatalf("byte %d bit %d: expected frame corruption, got %v", i, bit, err)
					}
				}
			}
		})
	}
}

func TestClientFailWhenBusy(t *testing.T) {
	release := make(chan struct{})
	slave := newFakeSlave(ModeRTU, func(s *fakeSlave, req Request) []byte {
		<-release
		return answer(s, req)
	})
	client := newTestClient(slave, WithFailWhenBusy(), WithTimeout(time.Second))
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.ReadCoils(context.Background(), 0, 1)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(slave.received()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := client.ReadCoils(context.Background(), 0, 1)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	assert.NoError(t, <-done)
}

func TestClientSerializesConcurrentRequests(t *testing.T) {
	slave := newFakeSlave(ModeTCP, nil)
	client := newTestClient(slave, WithTimeout(time.Second))
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			regs, err := client.ReadHoldingRegisters(context.Background(), addr, 1)
			if assert.NoError(t, err) {
				assert.Equal(t, []uint16{addr}, regs)
			}
		}(uint16(i * 10))
	}
	wg.Wait()
	assert.Len(t, slave.received(), 8)
}

func TestClientObserverStates(t *testing.T) {
	var states []RequestState
	slave := newFakeSlave(ModeRTU, nil)
	client := newTestClient(slave, WithObserver(ObserverFunc(func(e Event) {
		states = append(states, e.State)
		assert.Equal(t, ModeRTU, e.Mode)
		assert.NotEmpty(t, e.SessionID)
	})))
	defer client.Close()

	_, err := client.ReadCoils(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []RequestState{StateSent, StateAwaitingResponse, StateDecoded}, states)
}

func TestClientDropsTrackerStateWithLink(t *testing.T) {
	slave := newFakeSlave(ModeTCP, func(s *fakeSlave, req Request) []byte { return nil })
	client := newTestClient(slave, WithTimeout(30*time.Millisecond))
	defer client.Close()

	_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, client.tracker.Outstanding())
	assert.Equal(t, uint16(1), client.tracker.Allocate(), "ids keep counting after a drop")
}

func TestClientClosed(t *testing.T) {
	slave := newFakeSlave(ModeTCP, nil)
	client := newTestClient(slave)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())
	_, err := client.ReadCoils(context.Background(), 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientsDoNotShareState(t *testing.T) {
	a := newTestClient(newFakeSlave(ModeTCP, nil))
	b := newTestClient(newFakeSlave(ModeTCP, nil))
	defer a.Close()
	defer b.Close()
	for i := 0; i < 3; i++ {
		_, err := a.ReadCoils(context.Background(), 0, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, uint16(3), a.tracker.Allocate())
	assert.Equal(t, uint16(0), b.tracker.Allocate())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

// parseRequestPDU is the inverse of Request.PDU.
func parseRequestPDU(unitID uint8, pdu []byte) (Request, error) {
	if len(pdu) != 5 {
		return Request{}, fmt.Errorf("%w: request PDU length %d", ErrInvalidArgument, len(pdu))
	}
	return NewReadRequest(FunctionCode(pdu[0]), unitID,
		binary.BigEndian.Uint16(pdu[1:3]), binary.BigEndian.Uint16(pdu[3:5]))
}
