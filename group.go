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
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Point is one named value polled from a slave. After a poll either Err is
// set or one of Bits and Registers is. A register point with a DataType also
// carries its decoded Value; its Quantity follows from the type.
type Point struct {
	Tag      string       `yaml:"tag" validate:"required"`
	UnitID   uint8        `yaml:"unit_id"`
	Function FunctionCode `yaml:"function" validate:"required"`
	Address  uint16       `yaml:"address"`
	Quantity uint16       `yaml:"quantity"`

	DataType    DataType `yaml:"data_type,omitempty"`
	DataOrder   string   `yaml:"data_order,omitempty" validate:"omitempty,oneof=A AB BA ABCD DCBA BADC CDAB ABCDEFGH HGFEDCBA BADCFEHG GHEFCDAB"`
	Weight      float64  `yaml:"weight,omitempty"`
	BitPosition uint16   `yaml:"bit_position,omitempty" validate:"max=15"`
	BitMask     uint16   `yaml:"bit_mask,omitempty"`

	Bits      []bool        `yaml:"-"`
	Registers []uint16      `yaml:"-"`
	Value     *DecodedValue `yaml:"-"`
	Err       error         `yaml:"-"`
}

func (p Point) decoding() Decoding {
	return Decoding{
		Type:        p.DataType,
		Order:       p.DataOrder,
		Weight:      p.Weight,
		BitPosition: p.BitPosition,
		BitMask:     p.BitMask,
	}
}

// applyDataType checks the point's decoding and sizes the point to its type.
func (p *Point) applyDataType() error {
	if p.DataType == "" {
		return nil
	}
	if functions[p.Function].kind != kindRegisters {
		return fmt.Errorf("%w: data type %q on %s", ErrInvalidArgument, p.DataType, p.Function)
	}
	if err := p.decoding().check(); err != nil {
		return err
	}
	n, err := p.DataType.Registers()
	if err != nil || n == 0 {
		return err
	}
	if p.Quantity != 0 && p.Quantity != n {
		return fmt.Errorf("%w: quantity %d, but %s spans %d registers", ErrInvalidArgument, p.Quantity, p.DataType, n)
	}
	p.Quantity = n
	return nil
}

// UnmarshalYAML accepts a function name as well as its code.
func (fc *FunctionCode) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseFunctionCode(node.Value)
	if err != nil {
		return err
	}
	*fc = parsed
	return nil
}

// MarshalYAML writes the function code as a number.
func (fc FunctionCode) MarshalYAML() (any, error) {
	return uint8(fc), nil
}

func (p Point) end() uint32 {
	return uint32(p.Address) + uint32(p.Quantity)
}

// String renders the point's value or error.
func (p Point) String() string {
	switch {
	case p.Err != nil:
		return fmt.Sprintf("%s=ERROR(%v)", p.Tag, p.Err)
	case p.Value != nil:
		return fmt.Sprintf("%s=%s", p.Tag, p.Value)
	case p.Bits != nil:
		vals := make([]string, len(p.Bits))
		for i, b := range p.Bits {
			vals[i] = "0"
			if b {
				vals[i] = "1"
			}
		}
		return fmt.Sprintf("%s=[%s]", p.Tag, strings.Join(vals, " "))
	default:
		return fmt.Sprintf("%s=%v", p.Tag, p.Registers)
	}
}

// GroupPoints validates points and packs each unit's points of one function
// into as few requests as the function's quantity limit allows. Points that
// touch or overlap share a request; a gap starts a new one. Typed points are
// sized to their data type first.
func GroupPoints(points []Point) ([][]Point, error) {
	tags := make(map[string]bool, len(points))
	pts := make([]Point, len(points))
	copy(pts, points)
	for i := range pts {
		p := &pts[i]
		if tags[p.Tag] {
			return nil, fmt.Errorf("%w: duplicate tag %q", ErrInvalidArgument, p.Tag)
		}
		tags[p.Tag] = true
		if err := p.applyDataType(); err != nil {
			return nil, fmt.Errorf("point %q: %w", p.Tag, err)
		}
		if p.Quantity == 0 {
			p.Quantity = 1
		}
		if _, err := NewReadRequest(p.Function, p.UnitID, p.Address, p.Quantity); err != nil {
			return nil, fmt.Errorf("point %q: %w", p.Tag, err)
		}
	}

	sort.SliceStable(pts, func(i, j int) bool {
		a, b := pts[i], pts[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if a.Function != b.Function {
			return a.Function < b.Function
		}
		return a.Address < b.Address
	})

	var groups [][]Point
	var current []Point
	var start uint16
	var end uint32
	for _, p := range pts {
		if len(current) > 0 && canJoin(current[0], start, end, p) {
			current = append(current, p)
			end = max(end, p.end())
			continue
		}
		if len(current) > 0 {
			groups = append(groups, current)
		}
		current, start, end = []Point{p}, p.Address, p.end()
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}

// canJoin reports whether p can be read by the request spanning [start, end)
// that first was opened for.
func canJoin(first Point, start uint16, end uint32, p Point) bool {
	if p.UnitID != first.UnitID || p.Function != first.Function {
		return false
	}
	if uint32(p.Address) > end {
		return false
	}
	return max(end, p.end())-uint32(start) <= uint32(MaxQuantity(p.Function))
}

// groupRequest builds the request that covers every point of group.
func groupRequest(group []Point) (Request, error) {
	start := group[0].Address
	end := group[0].end()
	for _, p := range group[1:] {
		end = max(end, p.end())
	}
	return NewReadRequest(group[0].Function, group[0].UnitID, start, uint16(end-uint32(start)))
}

// readGroup reads a group with one request and hands each point its slice
// of the result. On failure every point carries the error.
func readGroup(ctx context.Context, client ModbusApi, group []Point) ([]Point, error) {
	out := make([]Point, len(group))
	copy(out, group)
	if len(group) == 0 {
		return out, fmt.Errorf("%w: cannot read empty group", ErrInvalidArgument)
	}

	req, err := groupRequest(group)
	if err == nil {
		var resp *Response
		resp, err = client.Read(ctx, req)
		if err == nil && resp.Exception != nil {
			err = resp.Exception
		}
		if err == nil {
			splitResponse(out, req, resp)
			return out, nil
		}
	}
	err = fmt.Errorf("modbus read error (unit %d, %s, addr %d): %w", req.UnitID, req.Function, req.Address, err)
	for i := range out {
		out[i].Err = err
	}
	return out, err
}

// splitResponse hands each point its slice of resp and decodes typed
// points. A point that fails to decode keeps its registers and carries the
// error.
func splitResponse(points []Point, req Request, resp *Response) {
	for i := range points {
		p := &points[i]
		from := int(p.Address - req.Address)
		to := from + int(p.Quantity)
		p.Err, p.Value = nil, nil
		if resp.Bits != nil {
			p.Bits = append([]bool(nil), resp.Bits[from:to]...)
			continue
		}
		p.Registers = append([]uint16(nil), resp.Registers[from:to]...)
		if p.DataType == "" {
			continue
		}
		v, err := p.decoding().Decode(p.Registers)
		if err != nil {
			p.Err = fmt.Errorf("point %q: %w", p.Tag, err)
			continue
		}
		p.Value = v
	}
}
