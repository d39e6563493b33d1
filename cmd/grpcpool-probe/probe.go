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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/bufbuild/grpcpool"
	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/config"
	"github.com/bufbuild/grpcpool/resolver"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type probeFlags struct {
	config        string
	timeout       time.Duration
	discoveryPort int
	dnsTTL        time.Duration
	verbose       bool
}

func newRootCommand() *cobra.Command {
	var flags probeFlags
	cmd := &cobra.Command{
		Use:   "grpcpool-probe",
		Short: "Check that every configured gRPC service is reachable",
		Long: `'grpcpool-probe' loads a pool configuration file, borrows one channel for
every shortcut it registers and waits for the channel to connect.

Shortcuts with discovery enabled are resolved through DNS: the shortcut name is
looked up as a host name, and the instances are dialed on --discovery-port unless
the name carries its own ":port" suffix.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Do not output help message if we get this far.
			cmd.SilenceUsage = true

			cfg, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			if flags.verbose {
				logger, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
			}
			results := probe(cmd.Context(), cfg, flags, logger)
			render(cmd.OutOrStdout(), results)
			for _, result := range results {
				if result.err != nil {
					return errors.New("some services are not reachable")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "Pool configuration file (TOML)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "Time to wait for each channel to connect")
	cmd.Flags().IntVar(&flags.discoveryPort, "discovery-port", 9090,
		"gRPC port of discovered instances whose name has no port")
	cmd.Flags().DurationVar(&flags.dnsTTL, "dns-ttl", 30*time.Second, "How long DNS answers are reused")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log pool activity to stderr")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

type probeResult struct {
	name      string
	target    string
	discovery bool
	state     string
	err       error
}

// probe borrows a channel for each shortcut of cfg, in name order, and
// waits up to the configured timeout for it to become ready.
func probe(ctx context.Context, cfg *config.Config, flags probeFlags, logger *zap.Logger) []probeResult {
	balancer := resolver.NewDNSBalancer(net.DefaultResolver, "ip", flags.discoveryPort, flags.dnsTTL, resolver.PreferIPv4)
	defer func() {
		_ = balancer.Close()
	}()
	options := append(cfg.Options(),
		grpcpool.WithLogger(logger),
		grpcpool.WithLoadBalancer(balancer),
		// One channel per address is enough to tell whether it is reachable.
		grpcpool.WithMaxChannels(1),
	)
	pool := grpcpool.New(options...)
	defer func() {
		_ = pool.Shutdown()
	}()
	cfg.Apply(pool)

	names := pool.RegisteredNames()
	results := make([]probeResult, 0, len(names))
	for _, name := range names {
		address, _ := pool.AddressOf(name)
		result := probeResult{
			name:      name,
			target:    "-",
			discovery: address.DiscoveryEnabled,
		}
		if !address.DiscoveryEnabled {
			result.target = net.JoinHostPort(address.Host, strconv.Itoa(address.Port))
		}
		result.state, result.err = probeOne(ctx, pool, name, flags.timeout)
		if result.err != nil {
			logger.Warn("probe failed", zap.String("channel", name), zap.Error(result.err))
		}
		results = append(results, result)
	}
	return results
}

func probeOne(ctx context.Context, pool *grpcpool.Pool, name string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch, err := pool.Borrow(ctx, name)
	if err != nil {
		return "UNAVAILABLE", err
	}
	if ch == nil {
		return "ABSENT", fmt.Errorf("no channel for %q", name)
	}
	if err := channel.AwaitReady(ctx, ch); err != nil {
		return ch.State().String(), err
	}
	return ch.State().String(), nil
}

func render(w io.Writer, results []probeResult) {
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		rows = append(rows, []string{
			result.name,
			result.target,
			strconv.FormatBool(result.discovery),
			result.state,
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"NAME", "ADDRESS", "DISCOVERY", "STATE"})
	table.AppendBulk(rows)
	table.Render()
}
