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

// Package config loads the YAML file that drives the mbmaster command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	modbus "github.com/hootrhino/mbmaster"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"./mbmaster.yaml",
	"./mbmaster.yml",
	"~/.config/mbmaster/config.yaml",
	"/etc/mbmaster/config.yaml",
}

// File is the layout of an mbmaster configuration file.
type File struct {
	Session modbus.Config `yaml:"session"`
	Logging Logging       `yaml:"logging"`
	Metrics Metrics       `yaml:"metrics"`
	Poll    Poll          `yaml:"poll"`
}

// Logging selects the level and format of the command's log output.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error none"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
	Path    string `yaml:"path"`
}

// Poll lists the points the poll command reads.
type Poll struct {
	Interval time.Duration  `yaml:"interval" validate:"gte=0"`
	Points   []modbus.Point `yaml:"points" validate:"dive"`
}

// Load reads path, or the first file found in the default locations when
// path is empty. Without any file the defaults are returned.
func Load(path string) (*File, error) {
	if path != "" {
		return loadFile(path)
	}
	for _, p := range configPaths {
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			p = filepath.Join(home, p[2:])
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}
	return DefaultConfig(), nil
}

func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Session.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the file sections and the session they describe.
func Validate(cfg *File) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if err := cfg.Session.Validate(); err != nil {
		return err
	}
	if _, err := modbus.GroupPoints(cfg.Poll.Points); err != nil {
		return fmt.Errorf("poll points: %w", err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating its directory.
func Save(path string, cfg *File) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a TCP session with text logging and metrics off.
func DefaultConfig() *File {
	return &File{
		Session: modbus.DefaultConfig(),
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Listen: ":9502",
			Path:   "/metrics",
		},
		Poll: Poll{
			Interval: time.Second,
		},
	}
}
