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
)

// RTU frame limits.
const (
	RTUMinFrameLength = 4   // unit + function + CRC
	RTUMaxFrameLength = 256 // unit + 253 byte PDU + CRC
	rtuCRCLength      = 2
)

// RTUPackager builds and splits RTU frames: unit ‖ PDU ‖ CRC lo ‖ CRC hi.
// It does no I/O.
type RTUPackager struct{}

// NewRTUPackager creates a new RTU packager.
func NewRTUPackager() *RTUPackager {
	return &RTUPackager{}
}

// Pack creates an RTU frame with unit id, PDU and CRC.
func (p *RTUPackager) Pack(unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: PDU cannot be empty", ErrInvalidArgument)
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU too long: %d bytes (max %d)", ErrInvalidArgument, len(pdu), MaxPDULength)
	}
	if unitID == 0 || unitID > 247 {
		return nil, fmt.Errorf("%w: invalid RTU unit id %d (must be 1-247)", ErrInvalidArgument, unitID)
	}

	frame := make([]byte, 0, 1+len(pdu)+rtuCRCLength)
	frame = append(frame, unitID)
	frame = append(frame, pdu...)
	return AppendCRC(frame), nil
}

// Unpack checks the CRC of frame and splits it into unit id and PDU.
func (p *RTUPackager) Unpack(frame []byte) (uint8, []byte, error) {
	if len(frame) < RTUMinFrameLength {
		return 0, nil, fmt.Errorf("%w: RTU frame too short: %d bytes (minimum %d)",
			ErrMalformedResponse, len(frame), RTUMinFrameLength)
	}
	if len(frame) > RTUMaxFrameLength {
		return 0, nil, fmt.Errorf("%w: RTU frame too long: %d bytes (maximum %d)",
			ErrMalformedResponse, len(frame), RTUMaxFrameLength)
	}
	if !CheckCRC(frame) {
		n := len(frame) - rtuCRCLength
		return 0, nil, fmt.Errorf("%w: CRC mismatch: calculated 0x%04X, received 0x%02X%02X",
			ErrFrameCorruption, CRC16(frame[:n]), frame[n+1], frame[n])
	}
	pdu := make([]byte, len(frame)-1-rtuCRCLength)
	copy(pdu, frame[1:len(frame)-rtuCRCLength])
	return frame[0], pdu, nil
}
