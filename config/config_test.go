// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bufbuild/grpcpool"
	"github.com/bufbuild/grpcpool/config"
	"github.com/bufbuild/grpcpool/internal/pooltesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[pool]
max_channels = 4
repair_delay = "500ms"
health_check_interval = "30s"

[[shortcut]]
name = "orders"
host = "orders.internal"
port = 9090

[[shortcut]]
name = "billing"
discovery = true
health_check = false

[[shortcut]]
name = "münchen"
host = "bücher.example"
port = 443
`

func TestDecode(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxChannels)
	assert.Equal(t, grpcpool.DefaultMaxFailoverAttempts, cfg.Pool.MaxFailoverAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.RepairDelay.Duration)
	assert.Equal(t, grpcpool.DefaultShutdownTimeout, cfg.Pool.ShutdownTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Pool.HealthCheckInterval.Duration)
	require.NotNil(t, cfg.Pool.HealthCheck)
	assert.True(t, *cfg.Pool.HealthCheck)

	require.Len(t, cfg.Shortcuts, 3)
	assert.Equal(t, "orders", cfg.Shortcuts[0].Name)
	assert.True(t, *cfg.Shortcuts[0].HealthCheck)
	assert.True(t, cfg.Shortcuts[1].Discovery)
	assert.False(t, *cfg.Shortcuts[1].HealthCheck)
	assert.Equal(t, "xn--bcher-kva.example", cfg.Shortcuts[2].Host)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		input  string
		errMsg string
	}{
		{name: "unknown key", input: "[pool]\nmax_chanels = 3\n", errMsg: "max_chanels"},
		{name: "bad duration", input: "[pool]\nrepair_delay = \"soon\"\n", errMsg: "soon"},
		{name: "negative", input: "[pool]\nclear_delay = \"-1s\"\n", errMsg: "clear_delay"},
		{name: "no name", input: "[[shortcut]]\nhost = \"a\"\nport = 1\n", errMsg: "without a name"},
		{name: "no host", input: "[[shortcut]]\nname = \"a\"\nport = 1\n", errMsg: "host and port"},
		{name: "bad port", input: "[[shortcut]]\nname = \"a\"\nhost = \"a\"\nport = 70000\n", errMsg: "out of range"},
		{name: "bad host", input: "[[shortcut]]\nname = \"a\"\nhost = \"a b\"\nport = 1\n", errMsg: "invalid host"},
		{
			name:   "duplicate",
			input:  "[[shortcut]]\nname = \"a\"\ndiscovery = true\n[[shortcut]]\nname = \"a\"\ndiscovery = true\n",
			errMsg: "defined twice",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Decode(strings.NewReader(testCase.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.errMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Shortcuts, 3)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode(strings.NewReader(sample))
	require.NoError(t, err)
	factory := pooltesting.NewFakeFactory()
	pool := grpcpool.New(append(cfg.Options(), grpcpool.WithChannelFactory(factory))...)
	t.Cleanup(func() {
		assert.NoError(t, pool.Shutdown())
	})
	cfg.Apply(pool)

	assert.Equal(t, []string{"billing", "münchen", "orders"}, pool.RegisteredNames())
	billing, ok := pool.AddressOf("billing")
	require.True(t, ok)
	assert.True(t, billing.DiscoveryEnabled)
	assert.False(t, billing.HealthCheckEnabled)

	ch, err := pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "orders.internal:9090", ch.Target())
	assert.Equal(t, 4, factory.Attempts())
}

func TestHealthCheckOff(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode(strings.NewReader("[pool]\nhealth_check = false\n[[shortcut]]\nname = \"a\"\nhost = \"10.0.0.1\"\nport = 1\n"))
	require.NoError(t, err)
	assert.False(t, *cfg.Shortcuts[0].HealthCheck)

	pool := grpcpool.New(append(cfg.Options(), grpcpool.WithChannelFactory(pooltesting.NewFakeFactory()))...)
	t.Cleanup(func() {
		assert.NoError(t, pool.Shutdown())
	})
	cfg.Apply(pool)
	address, ok := pool.AddressOf("a")
	require.True(t, ok)
	assert.False(t, address.HealthCheckEnabled)
}
