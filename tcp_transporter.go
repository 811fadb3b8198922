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
	"io"
	"net"
	"strconv"
	"time"
)

// TCPConfig describes the endpoint of a TCP or RTU over TCP session.
type TCPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Address returns host:port, using port 502 when none is set.
func (c TCPConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultTCPPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DefaultTCPPort is the registered Modbus TCP port.
const DefaultTCPPort = 502

// NewTCPTransport dials cfg on demand. The same transport carries MBAP
// frames in TCP mode and bare RTU frames in RTU over TCP mode.
func NewTCPTransport(cfg TCPConfig, dialTimeout time.Duration) *StreamTransport {
	addr := cfg.Address()
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		return conn, nil
	}
	return NewStreamTransport(addr, dial)
}
