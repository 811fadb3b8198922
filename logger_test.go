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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSimpleLogger(&buf, LevelDebug, "TEST")

	logger.Write([]byte("DEBUG: This is a debug message"))
	logger.Write([]byte("This is a default info message"))
	assert.Contains(t, buf.String(), "[DEBUG] <TEST> This is a debug message")
	assert.Contains(t, buf.String(), "[INFO] <TEST> This is a default info message")

	buf.Reset()
	logger.SetLevel(LevelWarning)
	logger.Write([]byte("DEBUG: This debug message will be filtered"))
	logger.Write([]byte("[ERROR] This error message will be shown"))
	assert.NotContains(t, buf.String(), "filtered")
	assert.Contains(t, buf.String(), "[ERROR] <TEST> This error message will be shown")

	buf.Reset()
	logger.SetLevel(LevelNone)
	logger.Write([]byte("ERROR: dropped"))
	assert.Empty(t, buf.String())
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, level)
	level, err = ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, level)
	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestLogfPrefixMatchesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSimpleLogger(&buf, LevelInfo, "S")
	logf(logger, LevelDebug, "hidden %d", 1)
	logf(logger, LevelError, "shown %d", 2)
	logf(nil, LevelError, "no writer")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[ERROR] <S> shown 2")
}
