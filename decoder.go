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
	"encoding/binary"
	"fmt"
	"slices"
)

// Decoder validates response frames against the request they answer and
// turns them into typed results.
type Decoder struct {
	rtu     *RTUPackager
	tcp     *TCPPackager
	tracker *Tracker
}

// NewDecoder creates a new Decoder. TCP responses are matched through the
// pending table of tracker; with a nil tracker they are matched against the
// request's own transaction id.
func NewDecoder(tracker *Tracker) *Decoder {
	return &Decoder{rtu: NewRTUPackager(), tcp: NewTCPPackager(), tracker: tracker}
}

// Decode checks the envelope of frame for the given mode and decodes its PDU.
// An exception response is a successful decode: the returned Response has
// Exception set and err is nil.
func (d *Decoder) Decode(mode Mode, frame []byte, req Request) (*Response, error) {
	var (
		unitID uint8
		pdu    []byte
		err    error
	)
	if mode.isRTUFramed() {
		unitID, pdu, err = d.rtu.Unpack(frame)
		if err != nil {
			return nil, err
		}
	} else {
		var header MBAPHeader
		header, pdu, err = d.tcp.Unpack(frame)
		if err != nil {
			return nil, err
		}
		if err := d.match(header.TransactionID, req); err != nil {
			return nil, err
		}
		unitID = header.UnitID
	}
	if unitID != req.UnitID {
		return nil, fmt.Errorf("%w: unit id %d, expected %d", ErrProtocolMismatch, unitID, req.UnitID)
	}
	return d.DecodePDU(pdu, req)
}

// match correlates a response transaction id with req. The id must be
// outstanding and must be req's; a matched id leaves the pending table.
func (d *Decoder) match(txID uint16, req Request) error {
	if d.tracker == nil {
		if txID != req.TransactionID {
			return fmt.Errorf("%w: transaction %d, expected %d", ErrUnmatchedResponse, txID, req.TransactionID)
		}
		return nil
	}
	if _, ok := d.tracker.Lookup(txID); !ok {
		return fmt.Errorf("%w: transaction %d is not outstanding", ErrUnmatchedResponse, txID)
	}
	if txID != req.TransactionID {
		return fmt.Errorf("%w: response for transaction %d while awaiting %d",
			ErrUnmatchedResponse, txID, req.TransactionID)
	}
	d.tracker.Resolve(txID)
	return nil
}

// DecodePDU decodes a response PDU without any envelope.
func (d *Decoder) DecodePDU(pdu []byte, req Request) (*Response, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response PDU too short: %d bytes", ErrMalformedResponse, len(pdu))
	}
	fc := pdu[0]
	if fc&exceptionFlag != 0 && FunctionCode(fc&functionCodeMask) == req.Function {
		if len(pdu) != 2 {
			return nil, fmt.Errorf("%w: exception PDU length %d", ErrMalformedResponse, len(pdu))
		}
		return &Response{
			Request: req,
			Exception: &ModbusError{
				FunctionCode:  req.Function,
				ExceptionCode: ExceptionCode(pdu[1]),
			},
		}, nil
	}
	if FunctionCode(fc) != req.Function {
		return nil, fmt.Errorf("%w: function code 0x%02X, expected 0x%02X",
			ErrMalformedResponse, fc, uint8(req.Function))
	}

	byteCount := int(pdu[1])
	data := pdu[2:]
	if byteCount != len(data) {
		return nil, fmt.Errorf("%w: byte count %d but %d data bytes", ErrMalformedResponse, byteCount, len(data))
	}
	if byteCount != req.byteCount() {
		return nil, fmt.Errorf("%w: byte count %d, expected %d for quantity %d",
			ErrMalformedResponse, byteCount, req.byteCount(), req.Quantity)
	}

	resp := &Response{Request: req}
	switch functions[req.Function].kind {
	case kindBits:
		resp.Bits = unpackBits(data, int(req.Quantity))
	case kindRegisters:
		resp.Registers = unpackRegisters(data)
	}
	return resp, nil
}

// unpackBits reads quantity bits LSB first; pad bits in the last byte are ignored.
func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

func unpackRegisters(data []byte) []uint16 {
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return regs
}

// rtuExceptionFrameLength is unit, function, exception code and CRC.
const rtuExceptionFrameLength = 5

// rtuFrameLengths returns the lengths an RTU response starting with the
// three bytes in head may have, shortest first. A header that agrees with
// req yields a single length. When the function matches but the byte count
// does not, a corrupted header byte may be claiming any length, so the
// header's claim, the exception length and the length req implies are all
// candidates.
func rtuFrameLengths(head []byte, req Request) ([]int, error) {
	expected := 1 + req.ExpectedPDULength() + rtuCRCLength
	sameFunction := FunctionCode(head[1]&functionCodeMask) == req.Function
	if head[1]&exceptionFlag != 0 {
		return []int{rtuExceptionFrameLength}, nil
	}
	if sameFunction && int(head[2]) == req.byteCount() {
		return []int{expected}, nil
	}

	var lengths []int
	if claimed := 3 + int(head[2]) + rtuCRCLength; claimed <= RTUMaxFrameLength {
		lengths = append(lengths, claimed)
	}
	if sameFunction {
		lengths = append(lengths, rtuExceptionFrameLength, expected)
	}
	if len(lengths) == 0 {
		return nil, fmt.Errorf("%w: byte count %d too large", ErrMalformedResponse, head[2])
	}
	slices.Sort(lengths)
	return slices.Compact(lengths), nil
}
