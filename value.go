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
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DataType names how the registers of a point are interpreted: a scalar
// such as "uint16", "int32" or "float32", an array such as "float32[4]",
// or one of "bool", "bitfield" and "string".
type DataType string

// DecodedValue is a point's registers interpreted as its DataType.
type DecodedValue struct {
	Raw     []byte   // register bytes as received, big-endian
	Type    DataType // type the value was decoded as
	AsType  any      // scalar, typed slice, bool or string
	Float64 float64  // numeric value times weight; arrays give the scaled sum
}

func (v DecodedValue) String() string {
	switch v.AsType.(type) {
	case bool, string:
		return fmt.Sprint(v.AsType)
	}
	if _, count, err := v.Type.parse(); err == nil && count > 1 {
		return fmt.Sprint(v.AsType)
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

var arrayType = regexp.MustCompile(`^(\w+)\[(\d+)\]$`)

// parse splits an array type into its element type and count. Scalars
// have a count of 1.
func (t DataType) parse() (DataType, int, error) {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return "", 0, fmt.Errorf("%w: empty data type", ErrInvalidArgument)
	}
	base, count := DataType(s), 1
	if strings.ContainsAny(s, "[]") {
		m := arrayType.FindStringSubmatch(s)
		if m == nil {
			return "", 0, fmt.Errorf("%w: invalid array type %q, expected type[count]", ErrInvalidArgument, s)
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			return "", 0, fmt.Errorf("%w: invalid array length in %q", ErrInvalidArgument, s)
		}
		base, count = DataType(m[1]), n
	}
	if _, err := base.size(); err != nil {
		return "", 0, err
	}
	if count > 1 && (base == "bool" || base == "bitfield" || base == "string") {
		return "", 0, fmt.Errorf("%w: %s cannot be an array", ErrInvalidArgument, base)
	}
	return base, count, nil
}

// size is the byte width of one element; a string has no fixed width.
func (t DataType) size() (int, error) {
	switch t {
	case "byte", "uint8", "int8":
		return 1, nil
	case "bool", "bitfield", "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	case "string":
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unknown data type %q", ErrInvalidArgument, string(t))
}

// Registers returns how many registers a value of type t spans. A string
// spans whatever quantity its point asks for, so it reports 0.
func (t DataType) Registers() (uint16, error) {
	base, count, err := t.parse()
	if err != nil {
		return 0, err
	}
	size, _ := base.size()
	return uint16((count*size + 1) / 2), nil
}

// Decoding describes how a point's registers become a value.
type Decoding struct {
	Type        DataType
	Order       string  // byte order of each element, e.g. ABCD, CDAB, DCBA
	Weight      float64 // scale applied to numeric values; 0 means 1
	BitPosition uint16  // bit read by "bool"
	BitMask     uint16  // mask applied by "bitfield"
}

// validOrder reports whether order fits elements of size bytes.
func validOrder(order string, size int) bool {
	switch order {
	case "":
		return true
	case "A":
		return size == 1
	case "AB", "BA":
		return size == 2
	case "ABCD", "DCBA", "BADC", "CDAB":
		return size == 4
	case "ABCDEFGH", "HGFEDCBA", "BADCFEHG", "GHEFCDAB":
		return size == 8
	}
	return false
}

// check validates the decoding without any data.
func (d Decoding) check() error {
	base, _, err := d.Type.parse()
	if err != nil {
		return err
	}
	size, _ := base.size()
	if d.Order != "" && (size == 0 || !validOrder(d.Order, size)) {
		return fmt.Errorf("%w: byte order %q does not fit %s", ErrInvalidArgument, d.Order, base)
	}
	if base == "bool" && d.BitPosition > 15 {
		return fmt.Errorf("%w: bit position %d out of range [0, 15]", ErrInvalidArgument, d.BitPosition)
	}
	return nil
}

// Decode interprets registers according to d.
func (d Decoding) Decode(registers []uint16) (*DecodedValue, error) {
	base, count, err := d.Type.parse()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 2*len(registers))
	for _, r := range registers {
		raw = binary.BigEndian.AppendUint16(raw, r)
	}
	v := &DecodedValue{Raw: raw, Type: d.Type}
	weight := d.Weight
	if weight == 0 {
		weight = 1
	}

	switch base {
	case "string":
		s := string(raw)
		if i := strings.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		v.AsType = strings.TrimSpace(s)
		return v, nil
	case "bool":
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: bool needs 2 bytes, have %d", ErrMalformedResponse, len(raw))
		}
		set := binary.BigEndian.Uint16(reorder(raw[:2], d.Order))&(1<<d.BitPosition) != 0
		v.AsType = set
		if set {
			v.Float64 = 1
		}
		return v, nil
	case "bitfield":
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: bitfield needs 2 bytes, have %d", ErrMalformedResponse, len(raw))
		}
		field := binary.BigEndian.Uint16(reorder(raw[:2], d.Order)) & d.BitMask
		v.AsType = field
		v.Float64 = float64(field) * weight
		return v, nil
	}

	size, _ := base.size()
	if len(raw) < size*count {
		return nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMalformedResponse, d.Type, size*count, len(raw))
	}
	elems := make([]any, count)
	var sum float64
	for i := range elems {
		e := decodeElement(base, reorder(raw[i*size:(i+1)*size], d.Order))
		elems[i] = e
		sum += toFloat64(e)
	}
	v.Float64 = sum * weight
	if count == 1 {
		v.AsType = elems[0]
	} else {
		v.AsType = typedSlice(base, elems)
	}
	return v, nil
}

// reorder puts the bytes of one element into big-endian order.
func reorder(b []byte, order string) []byte {
	switch order {
	case "BA":
		return []byte{b[1], b[0]}
	case "DCBA":
		return []byte{b[3], b[2], b[1], b[0]}
	case "BADC":
		return []byte{b[1], b[0], b[3], b[2]}
	case "CDAB":
		return []byte{b[2], b[3], b[0], b[1]}
	case "HGFEDCBA":
		return []byte{b[7], b[6], b[5], b[4], b[3], b[2], b[1], b[0]}
	case "BADCFEHG":
		return []byte{b[1], b[0], b[3], b[2], b[5], b[4], b[7], b[6]}
	case "GHEFCDAB":
		return []byte{b[6], b[7], b[4], b[5], b[2], b[3], b[0], b[1]}
	}
	return b
}

func decodeElement(base DataType, b []byte) any {
	switch base {
	case "byte", "uint8":
		return b[0]
	case "int8":
		return int8(b[0])
	case "uint16":
		return binary.BigEndian.Uint16(b)
	case "int16":
		return int16(binary.BigEndian.Uint16(b))
	case "uint32":
		return binary.BigEndian.Uint32(b)
	case "int32":
		return int32(binary.BigEndian.Uint32(b))
	case "uint64":
		return binary.BigEndian.Uint64(b)
	case "int64":
		return int64(binary.BigEndian.Uint64(b))
	case "float32":
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	case "float64":
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return nil
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case uint8:
		return float64(n)
	case int8:
		return float64(n)
	case uint16:
		return float64(n)
	case int16:
		return float64(n)
	case uint32:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func typedSlice(base DataType, elems []any) any {
	switch base {
	case "byte", "uint8":
		return convertSlice[uint8](elems)
	case "int8":
		return convertSlice[int8](elems)
	case "uint16":
		return convertSlice[uint16](elems)
	case "int16":
		return convertSlice[int16](elems)
	case "uint32":
		return convertSlice[uint32](elems)
	case "int32":
		return convertSlice[int32](elems)
	case "uint64":
		return convertSlice[uint64](elems)
	case "int64":
		return convertSlice[int64](elems)
	case "float32":
		return convertSlice[float32](elems)
	case "float64":
		return convertSlice[float64](elems)
	}
	return elems
}

func convertSlice[T any](elems []any) []T {
	out := make([]T, len(elems))
	for i, e := range elems {
		out[i] = e.(T)
	}
	return out
}
