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

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/hootrhino/mbmaster/config"
	"github.com/sirupsen/logrus"
)

// newLogger builds the command logger from the logging section.
func newLogger(cfg config.Logging, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	switch strings.ToLower(cfg.Level) {
	case "none":
		log.SetOutput(io.Discard)
	case "warning":
		log.SetLevel(logrus.WarnLevel)
	default:
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.SetLevel(level)
	}
	return log
}

// sessionWriter routes the session's prefixed log lines to logrus levels.
type sessionWriter struct {
	log *logrus.Logger
}

func (w sessionWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	upper := strings.ToUpper(line)
	entry := w.log.WithField("component", "modbus")
	switch {
	case strings.HasPrefix(upper, "DEBUG:"):
		entry.Debug(strings.TrimSpace(line[len("DEBUG:"):]))
	case strings.HasPrefix(upper, "WARNING:"):
		entry.Warn(strings.TrimSpace(line[len("WARNING:"):]))
	case strings.HasPrefix(upper, "ERROR:"):
		entry.Error(strings.TrimSpace(line[len("ERROR:"):]))
	default:
		entry.Info(strings.TrimPrefix(line, "INFO: "))
	}
	return len(p), nil
}

// logrusObserver turns request events into structured debug entries.
type logrusObserver struct {
	log *logrus.Logger
}

func (o logrusObserver) OnEvent(e modbus.Event) {
	if !o.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	fields := logrus.Fields{
		"session":  e.SessionID,
		"function": e.Request.Function.String(),
		"unit":     e.Request.UnitID,
		"address":  e.Request.Address,
		"quantity": e.Request.Quantity,
		"state":    e.State.String(),
	}
	if e.Mode == modbus.ModeTCP {
		fields["txid"] = e.Request.TransactionID
	}
	if e.Frame != nil {
		fields["frame"] = fmt.Sprintf("% X", e.Frame)
	}
	if e.Latency > 0 {
		fields["latency"] = e.Latency
	}
	entry := o.log.WithFields(fields)
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	entry.Debug("modbus request")
}

var _ modbus.Observer = logrusObserver{}

func stderrLogger(cfg config.Logging) *logrus.Logger {
	return newLogger(cfg, os.Stderr)
}
