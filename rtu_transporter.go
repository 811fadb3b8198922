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
	"time"

	serial "github.com/hootrhino/goserial"
)

// SerialConfig describes the serial line of an RTU session.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate" validate:"omitempty,min=300,max=921600"`
	DataBits int    `yaml:"data_bits" validate:"omitempty,min=5,max=8"`
	StopBits int    `yaml:"stop_bits" validate:"omitempty,min=1,max=2"`
	Parity   string `yaml:"parity" validate:"omitempty,oneof=N E O n e o"`
}

// DefaultSerialConfig returns 9600 8N1 with no port selected.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	}
}

// interFrameDelay returns the 3.5 character silence an RTU master keeps
// before each frame. Above 19200 baud the fixed 1.75ms applies.
func (c SerialConfig) interFrameDelay() time.Duration {
	if c.BaudRate <= 0 || c.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return time.Duration(35*11) * time.Second / time.Duration(10*c.BaudRate)
}

// frameGap returns the frame gap for a client on this line: the time a
// full-length frame takes to arrive, plus the default gap.
func (c SerialConfig) frameGap() time.Duration {
	if c.BaudRate <= 0 {
		return defaultFrameGap
	}
	return defaultFrameGap + time.Duration(RTUMaxFrameLength*11)*time.Second/time.Duration(c.BaudRate)
}

// NewSerialTransport opens the serial port described by cfg on demand.
// readTimeout bounds each low-level read of the port driver.
func NewSerialTransport(cfg SerialConfig, readTimeout time.Duration) *StreamTransport {
	delay := cfg.interFrameDelay()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(&serial.Config{
			Address:  cfg.Port,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   strings.ToUpper(cfg.Parity),
			Timeout:  readTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
		}
		return &silentLine{ReadWriteCloser: port, delay: delay}, nil
	}
	return NewStreamTransport(cfg.Port, dial)
}

// silentLine keeps the RTU inter-frame silence before every write and
// retries reads the driver ends early on its own timeout.
type silentLine struct {
	io.ReadWriteCloser
	delay     time.Duration
	lastWrite time.Time
}

func (l *silentLine) Write(p []byte) (int, error) {
	if wait := l.delay - time.Since(l.lastWrite); wait > 0 {
		time.Sleep(wait)
	}
	n, err := l.ReadWriteCloser.Write(p)
	l.lastWrite = time.Now()
	return n, err
}

func (l *silentLine) Read(p []byte) (int, error) {
	for {
		n, err := l.ReadWriteCloser.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
