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
	"strings"
)

// FunctionCode is the first byte of every Modbus PDU.
type FunctionCode uint8

const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
)

const (
	exceptionFlag    byte = 0x80
	functionCodeMask byte = 0x7F
)

func (fc FunctionCode) String() string {
	if def, ok := functions[fc]; ok {
		return def.name
	}
	return fmt.Sprintf("function 0x%02X", uint8(fc))
}

// ParseFunctionCode accepts a function name ("coils", "discrete", "holding",
// "input") or its numeric code.
func ParseFunctionCode(s string) (FunctionCode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coils", "coil", "1", "0x01":
		return FuncReadCoils, nil
	case "discrete", "discrete_inputs", "2", "0x02":
		return FuncReadDiscreteInputs, nil
	case "holding", "holding_registers", "3", "0x03":
		return FuncReadHoldingRegisters, nil
	case "input", "input_registers", "4", "0x04":
		return FuncReadInputRegisters, nil
	}
	return 0, fmt.Errorf("%w: unknown read function %q", ErrInvalidArgument, s)
}

// Mode selects the framing used by a session.
type Mode string

const (
	ModeRTU        Mode = "rtu"
	ModeTCP        Mode = "tcp"
	ModeRTUOverTCP Mode = "rtuovertcp"
)

// isRTUFramed reports whether frames carry the RTU envelope or the MBAP header.
func (m Mode) isRTUFramed() bool {
	return m == ModeRTU || m == ModeRTUOverTCP
}

// RequestState is the position of a request in its exchange.
type RequestState int

const (
	StateIdle RequestState = iota
	StateSent
	StateAwaitingResponse
	StateDecoded
	StateTimedOut
	StateErrored
)

var requestStateNames = map[RequestState]string{
	StateIdle:             "idle",
	StateSent:             "sent",
	StateAwaitingResponse: "awaiting_response",
	StateDecoded:          "decoded",
	StateTimedOut:         "timed_out",
	StateErrored:          "errored",
}

func (s RequestState) String() string {
	if name, ok := requestStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ModbusApi defines the interface for Modbus master operations.
type ModbusApi interface {
	GetLastModbusError() *ModbusError // last slave exception seen by this session
	GetMode() Mode                    // framing of this session
	SetLogger(io.Writer)              // destination of the session's log lines
	SessionID() string                // identifier carried in observer events
	UnitID() uint8                    // unit addressed by the typed reads
	// Standard methods
	ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
	// Read sends a prepared request, which may target another unit.
	Read(ctx context.Context, req Request) (*Response, error)
	Close() error
}
