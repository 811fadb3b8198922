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

// mbmaster reads coils and registers from Modbus slaves over RTU, TCP or
// RTU over TCP.
package main

import (
	"fmt"
	"os"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/hootrhino/mbmaster/config"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

// options holds the global flags. Flags that are set override the config file.
type options struct {
	cfgFile    string
	verbose    bool
	jsonOutput bool

	mode    string
	host    string
	port    int
	serial  string
	baud    int
	parity  string
	unit    uint8
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "mbmaster",
		Short:         "Modbus master for RTU, TCP and RTU over TCP slaves",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default: ./mbmaster.yaml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "trace every frame")
	flags.BoolVar(&opts.jsonOutput, "json", false, "log in JSON format")
	flags.StringVarP(&opts.mode, "mode", "m", "", "framing: rtu, tcp or rtuovertcp")
	flags.StringVar(&opts.host, "host", "", "slave host for tcp modes")
	flags.IntVar(&opts.port, "port", 0, "slave TCP port (default 502)")
	flags.StringVar(&opts.serial, "serial", "", "serial port for rtu mode")
	flags.IntVar(&opts.baud, "baud", 0, "serial baud rate (default 9600)")
	flags.StringVar(&opts.parity, "parity", "", "serial parity: N, E or O")
	flags.Uint8VarP(&opts.unit, "unit", "u", 0, "unit id (default 1)")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "request timeout (default 1s)")

	rootCmd.AddCommand(
		newReadCmd(opts),
		newPollCmd(opts),
		newPortsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the config file and applies the flags on top of it.
func (o *options) load() (*config.File, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &cfg.Session
	if o.mode != "" {
		s.Mode = modbus.Mode(o.mode)
	}
	if o.host != "" {
		s.TCP.Host = o.host
	}
	if o.port != 0 {
		s.TCP.Port = o.port
	}
	if o.serial != "" {
		s.Serial.Port = o.serial
	}
	if o.baud != 0 {
		s.Serial.BaudRate = o.baud
	}
	if o.parity != "" {
		s.Serial.Parity = o.parity
	}
	if o.unit != 0 {
		s.UnitID = o.unit
	}
	if o.timeout != 0 {
		s.Timeout = o.timeout
	}
	if o.verbose {
		s.Debug = true
		cfg.Logging.Level = "debug"
	}
	if o.jsonOutput {
		cfg.Logging.Format = "json"
	}
	s.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mbmaster %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}
}
