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

// Package config loads pool settings and shortcut registrations from TOML.
//
// A file looks like this:
//
//	[pool]
//	max_channels = 8
//	repair_delay = "2s"
//	health_check_interval = "30s"
//
//	[[shortcut]]
//	name = "orders"
//	host = "orders.internal"
//	port = 9090
//
//	[[shortcut]]
//	name = "billing"
//	discovery = true
//
// Unknown keys are rejected. Call [Config.InitDefaults] and then
// [Config.Validate] on a Config built in code; [Decode] and [Load] do both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/bufbuild/grpcpool"
	"github.com/bufbuild/grpcpool/health"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/net/idna"
)

// Config is the root of a configuration file.
type Config struct {
	Pool      Pool       `toml:"pool,omitempty"`
	Shortcuts []Shortcut `toml:"shortcut,omitempty"`
}

// Pool holds the pool tuning knobs. Zero values mean the pool's defaults.
type Pool struct {
	MaxChannels         int      `toml:"max_channels,omitempty"`
	MaxFailoverAttempts int      `toml:"max_failover_attempts,omitempty"`
	RepairDelay         Duration `toml:"repair_delay,omitempty"`
	ShutdownTimeout     Duration `toml:"shutdown_timeout,omitempty"`
	ClearDelay          Duration `toml:"clear_delay,omitempty"`
	// HealthCheck turns background sweeps on or off for every shortcut
	// that does not say otherwise. Defaults to true.
	HealthCheck         *bool    `toml:"health_check,omitempty"`
	HealthCheckInterval Duration `toml:"health_check_interval,omitempty"`
}

// Shortcut registers one logical channel name.
type Shortcut struct {
	Name string `toml:"name"`
	// Host and Port are required unless Discovery is set.
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	Discovery   bool   `toml:"discovery,omitempty"`
	// HealthCheck defaults to the pool's setting. It cannot turn checks
	// on when the pool has them off.
	HealthCheck *bool `toml:"health_check,omitempty"`
}

// Duration is a time.Duration written as a string such as "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Decode reads a configuration from r, then initializes defaults and
// validates it.
func Decode(r io.Reader) (*Config, error) {
	var cfg Config
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("config: %s", strict.String())
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// InitDefaults fills in every setting left unset.
func (cfg *Config) InitDefaults() {
	cfg.Pool.InitDefaults()
	for i := range cfg.Shortcuts {
		if cfg.Shortcuts[i].HealthCheck == nil {
			enabled := *cfg.Pool.HealthCheck
			cfg.Shortcuts[i].HealthCheck = &enabled
		}
	}
}

// InitDefaults fills in every setting left unset.
func (p *Pool) InitDefaults() {
	if p.MaxChannels == 0 {
		p.MaxChannels = grpcpool.DefaultMaxChannels
	}
	if p.MaxFailoverAttempts == 0 {
		p.MaxFailoverAttempts = grpcpool.DefaultMaxFailoverAttempts
	}
	if p.RepairDelay.Duration == 0 {
		p.RepairDelay.Duration = grpcpool.DefaultRepairDelay
	}
	if p.ShutdownTimeout.Duration == 0 {
		p.ShutdownTimeout.Duration = grpcpool.DefaultShutdownTimeout
	}
	if p.ClearDelay.Duration == 0 {
		p.ClearDelay.Duration = grpcpool.DefaultClearDelay
	}
	if p.HealthCheck == nil {
		enabled := true
		p.HealthCheck = &enabled
	}
	if p.HealthCheckInterval.Duration == 0 {
		p.HealthCheckInterval.Duration = health.DefaultPollingInterval
	}
}

// Validate checks every setting. Host names are converted to their ASCII
// form in place.
func (cfg *Config) Validate() error {
	if err := cfg.Pool.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Shortcuts))
	for i := range cfg.Shortcuts {
		shortcut := &cfg.Shortcuts[i]
		if err := shortcut.Validate(); err != nil {
			return err
		}
		if _, ok := seen[shortcut.Name]; ok {
			return fmt.Errorf("config: shortcut %q defined twice", shortcut.Name)
		}
		seen[shortcut.Name] = struct{}{}
	}
	return nil
}

func (p *Pool) Validate() error {
	if p.MaxChannels < 0 {
		return fmt.Errorf("config: max_channels must not be negative, got %d", p.MaxChannels)
	}
	if p.MaxFailoverAttempts < 0 {
		return fmt.Errorf("config: max_failover_attempts must not be negative, got %d", p.MaxFailoverAttempts)
	}
	for name, duration := range map[string]time.Duration{
		"repair_delay":          p.RepairDelay.Duration,
		"shutdown_timeout":      p.ShutdownTimeout.Duration,
		"clear_delay":           p.ClearDelay.Duration,
		"health_check_interval": p.HealthCheckInterval.Duration,
	} {
		if duration < 0 {
			return fmt.Errorf("config: %s must not be negative, got %v", name, duration)
		}
	}
	return nil
}

func (s *Shortcut) Validate() error {
	if s.Name == "" {
		return errors.New("config: shortcut without a name")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("config: shortcut %q: port %d out of range", s.Name, s.Port)
	}
	if s.Discovery {
		return nil
	}
	if s.Host == "" || s.Port == 0 {
		return fmt.Errorf("config: shortcut %q: host and port are required without discovery", s.Name)
	}
	if net.ParseIP(s.Host) != nil {
		return nil
	}
	host, err := idna.Lookup.ToASCII(s.Host)
	if err != nil {
		return fmt.Errorf("config: shortcut %q: invalid host %q: %w", s.Name, s.Host, err)
	}
	s.Host = host
	return nil
}

// Options returns the pool options for the settings in cfg. They are
// meant to be combined with options for the logger, load balancer and so
// on.
func (cfg *Config) Options() []grpcpool.Option {
	p := cfg.Pool
	options := []grpcpool.Option{
		grpcpool.WithMaxChannels(p.MaxChannels),
		grpcpool.WithMaxFailoverAttempts(p.MaxFailoverAttempts),
		grpcpool.WithRepairDelay(p.RepairDelay.Duration),
		grpcpool.WithShutdownTimeout(p.ShutdownTimeout.Duration),
		grpcpool.WithClearDelay(p.ClearDelay.Duration),
	}
	if p.HealthCheck != nil && !*p.HealthCheck {
		return append(options, grpcpool.WithHealthCheck(false))
	}
	return append(options, grpcpool.WithHealthChecker(health.NewPollingChecker(health.PollingCheckerConfig{
		Interval: p.HealthCheckInterval.Duration,
	})))
}

// Apply registers every shortcut with pool.
func (cfg *Config) Apply(pool *grpcpool.Pool) {
	for _, shortcut := range cfg.Shortcuts {
		pool.Register(grpcpool.Address{
			ChannelName:        shortcut.Name,
			Host:               shortcut.Host,
			Port:               shortcut.Port,
			DiscoveryEnabled:   shortcut.Discovery,
			HealthCheckEnabled: shortcut.HealthCheck == nil || *shortcut.HealthCheck,
		})
	}
}
