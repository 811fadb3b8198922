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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel is the severity of a log line.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // disables logging
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

func (l LogLevel) String() string {
	return levelNames[l]
}

// ParseLogLevel accepts "debug", "info", "warn", "warning", "error" and "none".
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "NONE", "OFF":
		return LevelNone, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level: %s", s)
}

// SimpleLogger is a levelled io.Writer. The level of each write is taken
// from its prefix ("DEBUG:", "[ERROR]", ...); unprefixed lines are INFO.
// Sessions write through it so any io.Writer can be handed to SetLogger.
type SimpleLogger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

// NewSimpleLogger creates a logger writing to output, or os.Stdout when nil.
func NewSimpleLogger(output io.Writer, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the minimum level that is written.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the minimum level that is written.
func (l *SimpleLogger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Write implements io.Writer, dropping lines below the logger's level.
func (l *SimpleLogger) Write(p []byte) (int, error) {
	message, level := splitLevel(string(p))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone || level < l.level {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n", time.Now().Format(l.timeFormat), level, l.prefix, message)
	if _, err := io.WriteString(l.output, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the output unless it is stdout or stderr.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	if closer, ok := l.output.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var levelPrefixes = []struct {
	prefix string
	level  LogLevel
}{
	{"[DEBUG]", LevelDebug}, {"DEBUG:", LevelDebug},
	{"[INFO]", LevelInfo}, {"INFO:", LevelInfo},
	{"[WARNING]", LevelWarning}, {"WARNING:", LevelWarning}, {"WARN:", LevelWarning},
	{"[ERROR]", LevelError}, {"ERROR:", LevelError},
}

// splitLevel strips a known level prefix from message.
func splitLevel(message string) (string, LogLevel) {
	message = strings.TrimSpace(message)
	upper := strings.ToUpper(message)
	for _, p := range levelPrefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return strings.TrimSpace(message[len(p.prefix):]), p.level
		}
	}
	return message, LevelInfo
}

// logf writes one prefixed line to w, if w is set.
func logf(w io.Writer, level LogLevel, format string, args ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, level.String()+": "+format+"\n", args...)
}
