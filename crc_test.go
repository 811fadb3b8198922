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
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	testCases := []struct {
		data     []byte
		expected uint16
	}{
		{data: []byte{0x01, 0x03, 0x02, 0x12, 0x34}, expected: 0x33B5},
		{data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, expected: 0x0A84},
		{data: []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}, expected: 0x8776},
		{data: []byte{0x01, 0x81, 0x02}, expected: 0x91C1},
		{data: []byte{}, expected: 0xFFFF},
		{data: []byte{0x00}, expected: 0x40BF},
	}

	for _, tc := range testCases {
		crc := CRC16(tc.data)
		if crc != tc.expected {
			t.Errorf("CRC16(%v) returned incorrect CRC: got %#04x, expected %#04x", tc.data, crc, tc.expected)
		}
	}
}

func TestCRC16MatchesReference(t *testing.T) {
	table := crc16.MakeTable(crc16.CRC16_MODBUS)
	inputs := [][]byte{
		{},
		{0xFF},
		{0x01, 0x04, 0x00, 0x10, 0x00, 0x7D},
		[]byte("123456789"),
	}
	for i := 0; i < 256; i++ {
		inputs = append(inputs, []byte{byte(i), byte(255 - i), byte(i * 7)})
	}
	for _, in := range inputs {
		assert.Equal(t, crc16.Checksum(in, table), CRC16(in), "input %x", in)
		assert.Equal(t, crc16Bitwise(in), CRC16(in), "input %x", in)
	}
}

func TestAppendCRCWireOrder(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, frame)
	assert.True(t, CheckCRC(frame))
}

func TestCheckCRCDetectsBitFlips(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x03, 0x04, 0x00, 0x0A, 0x00, 0x0B})
	require.True(t, CheckCRC(frame))
	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 1 << bit
			if CheckCRC(corrupt) {
				t.Fatalf("flip of byte %d bit %d went undetected", i, bit)
			}
		}
	}
	assert.False(t, CheckCRC([]byte{0x01, 0x02}))
}

// crc16Bitwise is the table-free form of CRC16, used to verify the table.
func crc16Bitwise(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
