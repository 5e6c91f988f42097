// config_test.go - Configuration tests.
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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(``))
	require.NoError(err, "Load()")
	require.Equal(defaultCircuitWindow, cfg.FlowControl.CircuitWindow)
	require.Equal(defaultCircuitWindowIncrement, cfg.FlowControl.CircuitWindowIncrement)
	require.Equal(defaultStreamWindow, cfg.FlowControl.StreamWindow)
	require.Equal(defaultStreamWindowIncrement, cfg.FlowControl.StreamWindowIncrement)
	require.Equal(defaultStreamQueueDepth, cfg.Queues.StreamQueueDepth)
	require.Equal(defaultLogLevel, cfg.Logging.Level)

	require.Equal(cfg, Default())
}

func TestConfigLoad(t *testing.T) {
	require := require.New(t)

	const basicConfig = `# A basic configuration.
[Logging]
Level = "DEBUG"

[FlowControl]
CircuitWindow = 2000
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load()")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(2000, cfg.FlowControl.CircuitWindow)
	require.Equal(defaultCircuitWindowIncrement, cfg.FlowControl.CircuitWindowIncrement)
}

func TestConfigValidation(t *testing.T) {
	require := require.New(t)

	// Window that is not a multiple of its increment.
	_, err := Load([]byte("[FlowControl]\nStreamWindow = 123\n"))
	require.Error(err, "Load() with misaligned window")

	// Negative queue depth.
	_, err = Load([]byte("[Queues]\nStreamQueueDepth = -1\n"))
	require.Error(err, "Load() with negative queue depth")

	// Bogus log level.
	_, err = Load([]byte("[Logging]\nLevel = \"LOUD\"\n"))
	require.Error(err, "Load() with invalid log level")

	// Unknown key.
	_, err = Load([]byte("[Logging]\nVolume = 11\n"))
	require.Error(err, "Load() with undecoded key")
}
