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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config describes one master session.
type Config struct {
	Mode    Mode          `yaml:"mode" validate:"required,oneof=rtu tcp rtuovertcp"`
	Serial  SerialConfig  `yaml:"rtu"`
	TCP     TCPConfig     `yaml:"tcp"`
	UnitID  uint8         `yaml:"unit_id"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Debug   bool          `yaml:"debug"`
}

// DefaultConfig returns a TCP session to unit 1 with a one second timeout.
func DefaultConfig() Config {
	return Config{
		Mode:    ModeTCP,
		Serial:  DefaultSerialConfig(),
		TCP:     TCPConfig{Port: DefaultTCPPort},
		UnitID:  defaultUnitID,
		Timeout: defaultTimeout,
	}
}

const (
	defaultUnitID   uint8 = 1
	defaultTimeout        = time.Second
	defaultFrameGap       = 100 * time.Millisecond
)

var validate = validator.New()

// ApplyDefaults fills zero fields with their defaults. A TCP session that
// must address unit 0 sets it with WithUnitID.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Mode = Mode(strings.ToLower(string(c.Mode)))
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = d.Serial.BaudRate
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = d.Serial.DataBits
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = d.Serial.StopBits
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = d.Serial.Parity
	}
	if c.TCP.Port == 0 {
		c.TCP.Port = d.TCP.Port
	}
	if c.UnitID == 0 {
		c.UnitID = d.UnitID
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
}

// Validate checks field ranges and the fields each mode requires.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: config: %s", ErrInvalidArgument, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: config: %v", ErrInvalidArgument, err)
	}
	switch c.Mode {
	case ModeRTU:
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: config: rtu mode needs a serial port", ErrInvalidArgument)
		}
		if c.UnitID == 0 || c.UnitID > 247 {
			return fmt.Errorf("%w: config: rtu unit id %d out of range [1, 247]", ErrInvalidArgument, c.UnitID)
		}
	case ModeTCP, ModeRTUOverTCP:
		if c.TCP.Host == "" {
			return fmt.Errorf("%w: config: %s mode needs a host", ErrInvalidArgument, c.Mode)
		}
	}
	return nil
}

// NewTransport builds the transport the configured mode runs on.
func (c Config) NewTransport() Transport {
	if c.Mode == ModeRTU {
		return NewSerialTransport(c.Serial, c.Timeout)
	}
	return NewTCPTransport(c.TCP, c.Timeout)
}
