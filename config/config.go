// config.go - Circuit engine configuration.
// Copyright (C) 2026  The torproto Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the circuit engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultCircuitWindow          = 1000
	defaultCircuitWindowIncrement = 100
	defaultStreamWindow           = 500
	defaultStreamWindowIncrement  = 50
	defaultStreamQueueDepth       = 2 * defaultStreamWindow
	defaultStreamTxQueueDepth     = 16
	defaultLogLevel               = "NOTICE"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// FlowControl is the flow control window configuration.  A window value
// must be a multiple of its increment.
type FlowControl struct {
	// CircuitWindow is the initial circuit level window, in cells.
	CircuitWindow int

	// CircuitWindowIncrement is the credit replenished by one circuit
	// level SENDME.
	CircuitWindowIncrement int

	// StreamWindow is the initial per-stream window, in cells.
	StreamWindow int

	// StreamWindowIncrement is the credit replenished by one stream level
	// SENDME.
	StreamWindowIncrement int
}

func (fCfg *FlowControl) validate() error {
	if fCfg.CircuitWindowIncrement <= 0 || fCfg.StreamWindowIncrement <= 0 {
		return errors.New("config: FlowControl: window increments must be positive")
	}
	if fCfg.CircuitWindow <= 0 || fCfg.CircuitWindow%fCfg.CircuitWindowIncrement != 0 {
		return errors.New("config: FlowControl: CircuitWindow must be a positive multiple of its increment")
	}
	if fCfg.StreamWindow <= 0 || fCfg.StreamWindow%fCfg.StreamWindowIncrement != 0 {
		return errors.New("config: FlowControl: StreamWindow must be a positive multiple of its increment")
	}
	return nil
}

// Queues is the queue depth configuration.
type Queues struct {
	// StreamQueueDepth is the per-stream inbound delivery queue depth, in
	// messages.  Inbound messages beyond this depth are discarded.
	StreamQueueDepth int

	// StreamTxQueueDepth is the per-stream outbound queue depth, in
	// messages.  Writers block when the queue is full.
	StreamTxQueueDepth int
}

func (qCfg *Queues) validate() error {
	if qCfg.StreamQueueDepth <= 0 {
		return errors.New("config: Queues: StreamQueueDepth must be positive")
	}
	if qCfg.StreamTxQueueDepth <= 0 {
		return errors.New("config: Queues: StreamTxQueueDepth must be positive")
	}
	return nil
}

// Config is the top level circuit engine configuration.
type Config struct {
	Logging     *Logging
	FlowControl *FlowControl
	Queues      *Queues
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.FlowControl == nil {
		cfg.FlowControl = &FlowControl{}
	}
	f := cfg.FlowControl
	if f.CircuitWindow == 0 {
		f.CircuitWindow = defaultCircuitWindow
	}
	if f.CircuitWindowIncrement == 0 {
		f.CircuitWindowIncrement = defaultCircuitWindowIncrement
	}
	if f.StreamWindow == 0 {
		f.StreamWindow = defaultStreamWindow
	}
	if f.StreamWindowIncrement == 0 {
		f.StreamWindowIncrement = defaultStreamWindowIncrement
	}
	if cfg.Queues == nil {
		cfg.Queues = &Queues{}
	}
	if cfg.Queues.StreamQueueDepth == 0 {
		cfg.Queues.StreamQueueDepth = defaultStreamQueueDepth
	}
	if cfg.Queues.StreamTxQueueDepth == 0 {
		cfg.Queues.StreamTxQueueDepth = defaultStreamTxQueueDepth
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.FlowControl.validate(); err != nil {
		return err
	}
	return cfg.Queues.validate()
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: BUG: default config is invalid: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a TOML serialized
// configuration and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
