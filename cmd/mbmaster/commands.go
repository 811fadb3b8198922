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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/hootrhino/mbmaster/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// session bundles what every command that talks to a slave needs.
type session struct {
	cfg      *config.File
	log      *logrus.Logger
	client   *modbus.Client
	registry *prometheus.Registry
}

func openSession(opts *options) (*session, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	log := stderrLogger(cfg.Logging)

	clientOpts := []modbus.Option{
		modbus.WithLogger(sessionWriter{log: log}),
		modbus.WithDebug(false),
		modbus.WithObserver(logrusObserver{log: log}),
	}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics, err := modbus.NewMetricsObserver(registry)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, modbus.WithObserver(metrics))
	}

	client, err := modbus.NewClient(cfg.Session, clientOpts...)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"mode":    cfg.Session.Mode,
		"unit":    client.UnitID(),
		"session": client.SessionID(),
	}).Debug("session created")
	return &session{cfg: cfg, log: log, client: client, registry: registry}, nil
}

// serveMetrics exposes the session metrics until ctx ends.
func (s *session) serveMetrics(ctx context.Context) {
	if s.registry == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		s.log.WithField("listen", srv.Addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped")
		}
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newReadCmd(opts *options) *cobra.Command {
	var address, quantity uint16
	cmd := &cobra.Command{
		Use:   "read <coils|discrete|holding|input>",
		Short: "Read coils, discrete inputs, holding or input registers once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := modbus.ParseFunctionCode(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			req, err := modbus.NewReadRequest(fc, s.client.UnitID(), address, quantity)
			if err != nil {
				return err
			}
			resp, err := s.client.Read(ctx, req)
			if err != nil {
				return err
			}
			if resp.Exception != nil {
				return resp.Exception
			}
			printResponse(cmd, resp)
			return nil
		},
	}
	cmd.Flags().Uint16VarP(&address, "address", "a", 0, "starting address")
	cmd.Flags().Uint16VarP(&quantity, "quantity", "q", 1, "number of coils or registers")
	return cmd
}

func printResponse(cmd *cobra.Command, resp *modbus.Response) {
	out := cmd.OutOrStdout()
	for i, b := range resp.Bits {
		fmt.Fprintf(out, "%d\t%d\n", int(resp.Request.Address)+i, boolToInt(b))
	}
	for i, r := range resp.Registers {
		fmt.Fprintf(out, "%d\t%d\t0x%04X\n", int(resp.Request.Address)+i, r, r)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newPollCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the points listed in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.client.Close()

			poller := modbus.NewPoller(s.cfg.Poll.Interval, modbus.WithPollerLogger(sessionWriter{log: s.log}))
			if err := poller.AddClient(s.client, s.cfg.Poll.Points); err != nil {
				return err
			}
			if err := poller.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if once {
				points, errs := poller.PollOnce(ctx)
				printPoints(cmd, points)
				if len(errs) > 0 {
					return fmt.Errorf("%d of the point groups failed: %w", len(errs), errs[0])
				}
				return nil
			}

			s.serveMetrics(ctx)
			poller.SetOnData(func(points []modbus.Point) { printPoints(cmd, points) })
			poller.SetOnError(func(err error) { s.log.WithError(err).Warn("poll failed") })
			poller.Start(ctx)
			<-ctx.Done()
			poller.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll a single time and exit")
	return cmd
}

func printPoints(cmd *cobra.Command, points []modbus.Point) {
	out := cmd.OutOrStdout()
	for _, p := range points {
		fmt.Fprintf(out, "unit=%d\t%s\n", p.UnitID, p)
	}
}
