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

package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestProbe(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, health.NewServer())
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)
	port := listener.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert

	path := filepath.Join(t.TempDir(), "pool.toml")
	contents := fmt.Sprintf(`
[pool]
health_check = false

[[shortcut]]
name = "up"
host = "127.0.0.1"
port = %d
`, port)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--timeout", "5s"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"NAME", "ADDRESS", "DISCOVERY", "STATE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"up", fmt.Sprintf("127.0.0.1:%d", port), "false", "READY"}, strings.Fields(lines[1]))
}

func TestProbeUnreachable(t *testing.T) {
	t.Parallel()
	// Reserve a port and release it so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert
	require.NoError(t, listener.Close())

	path := filepath.Join(t.TempDir(), "pool.toml")
	contents := fmt.Sprintf("[pool]\nhealth_check = false\n[[shortcut]]\nname = \"down\"\nhost = \"127.0.0.1\"\nport = %d\n", port)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "--timeout", (200 * time.Millisecond).String()})
	require.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "down")
}

func TestProbeRequiresConfig(t *testing.T) {
	t.Parallel()
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	assert.Error(t, cmd.Execute())
}
