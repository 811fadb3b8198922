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
	"testing"
	"time"

	modbus_server "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServerAddr = "127.0.0.1:15502"

// startTestTCPServer starts an in-process slave whose first ten holding
// registers hold 0xABCD. The server runs until the test binary exits.
func startTestTCPServer(t *testing.T) *modbus_server.Server {
	t.Helper()
	server := modbus_server.NewServer(store.NewInMemoryStore(), 1)
	server.SetErrorHandler(func(err error) {
		t.Logf("modbus server error: %v", err)
	})
	sample := make([]uint16, 10)
	for i := range sample {
		sample[i] = 0xABCD
	}
	require.NoError(t, server.SetHoldingRegisters(sample))
	if err := server.Start(testServerAddr); err != nil {
		t.Skipf("cannot start modbus server on %s: %v", testServerAddr, err)
	}
	time.Sleep(50 * time.Millisecond)
	return server
}

func TestModbusSlaverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	startTestTCPServer(t)

	cfg := DefaultConfig()
	cfg.TCP = TCPConfig{Host: "127.0.0.1", Port: 15502}
	cfg.Timeout = 2 * time.Second
	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))

	for i := range 2 {
		regs, err := client.ReadHoldingRegisters(context.Background(), uint16(i), 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0xABCD}, regs)
	}
	regs, err := client.ReadHoldingRegisters(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, regs, 10)
}
