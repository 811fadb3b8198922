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

// Modbus TCP protocol constants
const (
	TCPHeaderLength       = 7                              // MBAP header length in bytes
	MaxPDULength          = 253                            // largest PDU any framing may carry
	MaxTCPFrameLength     = TCPHeaderLength + MaxPDULength // largest MBAP frame
	ProtocolIdentifierTCP = 0x0000
)

// MBAPHeader is the header that precedes every Modbus TCP PDU.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // unit id + PDU
	UnitID        uint8
}

// PDULength returns the number of PDU bytes following the header.
func (h MBAPHeader) PDULength() int {
	return int(h.Length) - 1
}

// TCPPackager handles Modbus TCP packing and unpacking. It does no I/O.
type TCPPackager struct{}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// Pack builds txid ‖ protocol id ‖ length ‖ unit ‖ PDU, all 16-bit
// fields big-endian.
func (p *TCPPackager) Pack(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: PDU cannot be empty", ErrInvalidArgument)
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU length %d exceeds maximum %d bytes", ErrInvalidArgument, len(pdu), MaxPDULength)
	}

	frame := make([]byte, TCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[TCPHeaderLength:], pdu)
	return frame, nil
}

// ParseHeader decodes the first seven bytes of a TCP frame. The protocol
// identifier is returned as-is; callers decide whether it is acceptable.
func (p *TCPPackager) ParseHeader(header []byte) (MBAPHeader, error) {
	if len(header) < TCPHeaderLength {
		return MBAPHeader{}, fmt.Errorf("%w: MBAP header too short: %d bytes", ErrMalformedResponse, len(header))
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(header[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(header[2:4]),
		Length:        binary.BigEndian.Uint16(header[4:6]),
		UnitID:        header[6],
	}
	if h.Length < 2 || h.PDULength() > MaxPDULength {
		return h, fmt.Errorf("%w: invalid MBAP length %d", ErrMalformedResponse, h.Length)
	}
	return h, nil
}

// Unpack splits a complete TCP frame into its header and PDU.
func (p *TCPPackager) Unpack(frame []byte) (MBAPHeader, []byte, error) {
	h, err := p.ParseHeader(frame)
	if err != nil {
		return h, nil, err
	}
	if h.ProtocolID != ProtocolIdentifierTCP {
		return h, nil, fmt.Errorf("%w: protocol identifier 0x%04X, expected 0x%04X",
			ErrProtocolMismatch, h.ProtocolID, ProtocolIdentifierTCP)
	}
	pdu := frame[TCPHeaderLength:]
	if len(pdu) != h.PDULength() {
		return h, nil, fmt.Errorf("%w: MBAP length %d does not match %d PDU bytes",
			ErrMalformedResponse, h.Length, len(pdu))
	}
	return h, pdu, nil
}
