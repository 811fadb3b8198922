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
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrInvalidArgument reports a request rejected before any I/O.
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	// ErrSessionBusy reports an RTU request issued while another is outstanding.
	ErrSessionBusy = errors.New("modbus: session busy")
	// ErrTimeout reports that no complete response arrived within the deadline.
	ErrTimeout = errors.New("modbus: request timed out")
	// ErrFrameCorruption reports an RTU frame whose CRC does not match.
	ErrFrameCorruption = errors.New("modbus: frame corruption")
	// ErrProtocolMismatch reports a wrong protocol identifier or unit id.
	ErrProtocolMismatch = errors.New("modbus: protocol mismatch")
	// ErrUnmatchedResponse reports a TCP response that answers no outstanding request.
	ErrUnmatchedResponse = errors.New("modbus: unmatched response")
	// ErrMalformedResponse reports a response whose length or function code is inconsistent.
	ErrMalformedResponse = errors.New("modbus: malformed response")
	// ErrSlaveException is matched by every *ModbusError.
	ErrSlaveException = errors.New("modbus: slave exception")
	// ErrClosed reports use of a closed client.
	ErrClosed = errors.New("modbus: client closed")
)

// ExceptionCode is the code a slave returns in an exception response.
type ExceptionCode uint8

const (
	IllegalFunction                    ExceptionCode = 0x01
	IllegalDataAddress                 ExceptionCode = 0x02
	IllegalDataValue                   ExceptionCode = 0x03
	SlaveDeviceFailure                 ExceptionCode = 0x04
	Acknowledge                        ExceptionCode = 0x05
	SlaveDeviceBusy                    ExceptionCode = 0x06
	MemoryParityError                  ExceptionCode = 0x08
	GatewayPathUnavailable             ExceptionCode = 0x0A
	GatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionMessages = map[ExceptionCode]string{
	IllegalFunction:                    "illegal function",
	IllegalDataAddress:                 "illegal data address",
	IllegalDataValue:                   "illegal data value",
	SlaveDeviceFailure:                 "slave device failure",
	Acknowledge:                        "acknowledge",
	SlaveDeviceBusy:                    "slave device busy",
	MemoryParityError:                  "memory parity error",
	GatewayPathUnavailable:             "gateway path unavailable",
	GatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

func (c ExceptionCode) String() string {
	if msg, ok := exceptionMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown exception 0x%02X", uint8(c))
}

// ModbusError is a well-formed exception response from a slave.
type ModbusError struct {
	FunctionCode  FunctionCode  // function of the rejected request, without the 0x80 flag
	ExceptionCode ExceptionCode // reason given by the slave
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X (%s) for function 0x%02X",
		uint8(e.ExceptionCode), e.ExceptionCode, uint8(e.FunctionCode))
}

// Is makes errors.Is(err, ErrSlaveException) true for any slave exception.
func (e *ModbusError) Is(target error) bool {
	return target == ErrSlaveException
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classifyIOError maps transport failures onto the error taxonomy.
func classifyIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("modbus: %s: %w", op, err)
}
