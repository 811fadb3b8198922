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

import "encoding/binary"

// crcPolynomial is the reflected form of the Modbus CRC-16 polynomial 0x8005.
const crcPolynomial = 0xA001

// crcTable holds the CRC-16/MODBUS remainder of every byte value.
var crcTable = makeCRCTable(crcPolynomial)

func makeCRCTable(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 calculates the Modbus CRC16 checksum of data.
// The returned value is the arithmetic checksum; on the wire the low byte goes first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[uint8(crc)^b]
	}
	return crc
}

// AppendCRC appends the checksum of frame to frame, low byte first.
func AppendCRC(frame []byte) []byte {
	return binary.LittleEndian.AppendUint16(frame, CRC16(frame))
}

// CheckCRC reports whether the last two bytes of frame are the checksum
// of the bytes before them.
func CheckCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	return CRC16(frame[:n]) == binary.LittleEndian.Uint16(frame[n:])
}
