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
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// OnDataFunc receives the points of one completed poll.
type OnDataFunc func([]Point)

// OnErrorFunc receives every failed group read of a poll.
type OnErrorFunc func(error)

// pollSource is one session and the grouped points read through it.
type pollSource struct {
	client ModbusApi
	groups [][]Point
}

// Poller reads groups of points from one or more sessions on an interval.
// Sessions are polled in parallel; the groups of one session are read in
// order, since a session exchanges one request at a time.
type Poller struct {
	interval   time.Duration
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     io.Writer

	mu      sync.Mutex
	sources []pollSource
	onData  OnDataFunc
	onError OnErrorFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithRetries retries a group read up to n times after a link failure.
func WithRetries(n uint64) PollerOption {
	return func(p *Poller) { p.maxRetries = n }
}

// WithBackOff replaces the exponential retry schedule.
func WithBackOff(newBackOff func() backoff.BackOff) PollerOption {
	return func(p *Poller) { p.newBackOff = newBackOff }
}

// WithPollerLogger sets where the poller logs.
func WithPollerLogger(w io.Writer) PollerOption {
	return func(p *Poller) { p.logger = w }
}

// NewPoller creates a poller that polls every interval, or every second
// when interval is not positive.
func NewPoller(interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Poller{
		interval:   interval,
		maxRetries: 2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddClient groups points and polls them through client. Points without a
// unit id use the client's.
func (p *Poller) AddClient(client ModbusApi, points []Point) error {
	pts := make([]Point, len(points))
	copy(pts, points)
	for i := range pts {
		if pts[i].UnitID == 0 {
			pts[i].UnitID = client.UnitID()
		}
	}
	groups, err := GroupPoints(pts)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, pollSource{client: client, groups: groups})
	return nil
}

// SetOnData sets the callback for poll results.
func (p *Poller) SetOnData(fn OnDataFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = fn
}

// SetOnError sets the callback for failed group reads.
func (p *Poller) SetOnError(fn OnErrorFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// PollOnce reads every group once and returns the points in group order
// together with the errors of the groups that failed.
func (p *Poller) PollOnce(ctx context.Context) ([]Point, []error) {
	p.mu.Lock()
	sources := append([]pollSource(nil), p.sources...)
	p.mu.Unlock()

	results := make([][]Point, len(sources))
	failures := make([][]error, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			for _, group := range src.groups {
				points, err := p.readWithRetry(ctx, src.client, group)
				results[i] = append(results[i], points...)
				if err != nil {
					failures[i] = append(failures[i], err)
				}
			}
			return nil
		})
	}
	g.Wait()

	var points []Point
	var errs []error
	for i := range sources {
		points = append(points, results[i]...)
		errs = append(errs, failures[i]...)
	}
	return points, errs
}

// readWithRetry retries link failures; exceptions and invalid requests are final.
func (p *Poller) readWithRetry(ctx context.Context, client ModbusApi, group []Point) ([]Point, error) {
	var points []Point
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxRetries), ctx)
	err := backoff.Retry(func() error {
		var err error
		points, err = readGroup(ctx, client, group)
		if err != nil && !isLinkError(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logf(p.logger, LevelWarning, "poll %s: %v", client.SessionID(), err)
		}
		return err
	}, b)
	return points, err
}

// Start polls until Stop is called or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.dispatch(p.PollOnce(ctx))
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) dispatch(points []Point, errs []error) {
	p.mu.Lock()
	onData, onError := p.onData, p.onError
	p.mu.Unlock()
	if onError != nil {
		for _, err := range errs {
			onError(err)
		}
	}
	if onData != nil && len(points) > 0 {
		onData(points)
	}
}

// Stop stops polling and waits for a running poll to finish.
func (p *Poller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = nil
}

// ErrNoPoints reports a poll configuration without points.
var ErrNoPoints = errors.New("modbus: no points to poll")

// Validate reports whether the poller has anything to poll.
func (p *Poller) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, src := range p.sources {
		if len(src.groups) > 0 {
			return nil
		}
	}
	return ErrNoPoints
}
