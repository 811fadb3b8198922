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
)

// elementKind tells the decoder how to read a response payload.
type elementKind int

const (
	kindBits elementKind = iota
	kindRegisters
)

// functionSpec describes one supported function code.
type functionSpec struct {
	name        string
	minQuantity uint16
	maxQuantity uint16
	kind        elementKind
}

// functions is keyed by function code; adding a code here is enough for the
// encoder and decoder to support it.
var functions = map[FunctionCode]functionSpec{
	FuncReadCoils:            {name: "read coils", minQuantity: 1, maxQuantity: 2000, kind: kindBits},
	FuncReadDiscreteInputs:   {name: "read discrete inputs", minQuantity: 1, maxQuantity: 2000, kind: kindBits},
	FuncReadHoldingRegisters: {name: "read holding registers", minQuantity: 1, maxQuantity: 125, kind: kindRegisters},
	FuncReadInputRegisters:   {name: "read input registers", minQuantity: 1, maxQuantity: 125, kind: kindRegisters},
}

// MaxQuantity returns the largest quantity a single request of fc may ask for,
// or 0 if fc is not supported.
func MaxQuantity(fc FunctionCode) uint16 {
	return functions[fc].maxQuantity
}

// Request is an encoded read request. It is immutable once built.
type Request struct {
	Function      FunctionCode
	UnitID        uint8
	Address       uint16
	Quantity      uint16
	TransactionID uint16 // set by the client for TCP framing
}

// NewReadRequest validates its arguments and builds a read request.
// No I/O takes place.
func NewReadRequest(fc FunctionCode, unitID uint8, address, quantity uint16) (Request, error) {
	def, ok := functions[fc]
	if !ok {
		return Request{}, fmt.Errorf("%w: unsupported function code 0x%02X", ErrInvalidArgument, uint8(fc))
	}
	if quantity < def.minQuantity || quantity > def.maxQuantity {
		return Request{}, fmt.Errorf("%w: %s quantity %d out of range [%d, %d]",
			ErrInvalidArgument, def.name, quantity, def.minQuantity, def.maxQuantity)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return Request{}, fmt.Errorf("%w: %s address %d + quantity %d exceeds 65536",
			ErrInvalidArgument, def.name, address, quantity)
	}
	return Request{Function: fc, UnitID: unitID, Address: address, Quantity: quantity}, nil
}

// PDU returns [fc][addr_hi][addr_lo][qty_hi][qty_lo].
func (r Request) PDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(r.Function)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	return pdu
}

// byteCount is the payload size of a successful response.
func (r Request) byteCount() int {
	if functions[r.Function].kind == kindBits {
		return (int(r.Quantity) + 7) / 8
	}
	return 2 * int(r.Quantity)
}

// ExpectedPDULength is the length of a successful response PDU:
// function code, byte count and payload.
func (r Request) ExpectedPDULength() int {
	return 2 + r.byteCount()
}

func (r Request) String() string {
	return fmt.Sprintf("%s unit=%d addr=%d qty=%d", r.Function, r.UnitID, r.Address, r.Quantity)
}

// Response is the decoded answer to a Request. Exactly one of Bits,
// Registers or Exception is set.
type Response struct {
	Request   Request
	Bits      []bool
	Registers []uint16
	Exception *ModbusError
}
