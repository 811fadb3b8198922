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

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver records request outcomes as Prometheus metrics.
type MetricsObserver struct {
	requests    *prometheus.CounterVec
	exceptions  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	outstanding *prometheus.GaugeVec
}

// NewMetricsObserver creates the collectors and registers them with reg.
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Name:      "requests_total",
			Help:      "Completed requests by function and outcome",
		}, []string{"session", "function", "outcome"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Name:      "exceptions_total",
			Help:      "Slave exception responses by exception code",
		}, []string{"session", "function", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modbus",
			Name:      "request_duration_seconds",
			Help:      "Time from send to completed decode",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"session", "function"}),
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modbus",
			Name:      "outstanding_requests",
			Help:      "Requests sent and not yet completed",
		}, []string{"session"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.exceptions, m.latency, m.outstanding} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("modbus: register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *MetricsObserver) OnEvent(e Event) {
	fn := e.Request.Function.String()
	switch e.State {
	case StateSent:
		m.outstanding.WithLabelValues(e.SessionID).Inc()
	case StateDecoded, StateTimedOut, StateErrored:
		if e.Sent {
			m.outstanding.WithLabelValues(e.SessionID).Dec()
		}
		m.requests.WithLabelValues(e.SessionID, fn, outcome(e)).Inc()
		m.latency.WithLabelValues(e.SessionID, fn).Observe(e.Latency.Seconds())
		var mbErr *ModbusError
		if errors.As(e.Err, &mbErr) {
			m.exceptions.WithLabelValues(e.SessionID, fn, fmt.Sprintf("0x%02X", uint8(mbErr.ExceptionCode))).Inc()
		}
	}
}

// outcome names the error class of a finished request.
func outcome(e Event) string {
	switch {
	case e.Err == nil:
		return "ok"
	case errors.Is(e.Err, ErrSlaveException):
		return "exception"
	case errors.Is(e.Err, ErrTimeout):
		return "timeout"
	case errors.Is(e.Err, ErrFrameCorruption):
		return "frame_corruption"
	case errors.Is(e.Err, ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(e.Err, ErrUnmatchedResponse):
		return "unmatched_response"
	case errors.Is(e.Err, ErrMalformedResponse):
		return "malformed_response"
	}
	return "transport_error"
}
