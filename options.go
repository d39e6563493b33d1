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

package grpcpool

import (
	"context"
	"time"

	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/health"
	"github.com/bufbuild/grpcpool/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultMaxChannels is the number of channels built per address.
	DefaultMaxChannels = 50
	// DefaultMaxFailoverAttempts caps the load balancer queries made while
	// failing over from one unavailable address.
	DefaultMaxFailoverAttempts = 10
	// DefaultRepairDelay is how long a deferred repair waits before
	// replacing an unusable channel.
	DefaultRepairDelay = 2 * time.Second
	// DefaultShutdownTimeout bounds each of the graceful and forced
	// shutdown waits when a channel is retired.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultClearDelay is how long DelayClearAddress waits.
	DefaultClearDelay = 2 * time.Second
)

// Option is an option used to customize the behavior of a pool.
type Option interface {
	apply(*poolOptions)
}

// WithRootContext configures the root context used for any background
// goroutines that a pool may create, such as health checks. If not
// specified, [context.Background] is used.
//
// Cancelling the context stops background health checks; the pool is
// otherwise still usable.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.rootCtx = ctx
	})
}

// WithChannelFactory configures how channels are built. If no
// WithChannelFactory option is used, channel.NewGRPCFactory() is used.
func WithChannelFactory(factory channel.Factory) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.factory = factory
	})
}

// WithLoadBalancer configures the load balancer consulted for names
// registered with discovery enabled. Without one, borrowing such a name
// always comes back empty.
func WithLoadBalancer(balancer resolver.LoadBalancer) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.balancer = balancer
	})
}

// WithLogger configures the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithMetrics registers the pool's collectors with registerer. Without this
// option the collectors are created but not registered.
func WithMetrics(registerer prometheus.Registerer) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.registerer = registerer
	})
}

// WithMaxChannels configures how many channels are built for each address.
// If zero or no WithMaxChannels option is used, DefaultMaxChannels is used.
func WithMaxChannels(count int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxChannels = count
	})
}

// WithMaxFailoverAttempts caps the load balancer queries made while
// failing over. The cap actually used is the smaller of this and the number
// of addresses already known for the name. If zero or no option is used,
// DefaultMaxFailoverAttempts is used.
func WithMaxFailoverAttempts(count int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxFailover = count
	})
}

// WithRepairDelay configures how long a deferred repair waits. If zero or
// no WithRepairDelay option is used, DefaultRepairDelay is used.
func WithRepairDelay(delay time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.repairDelay = delay
	})
}

// WithShutdownTimeout bounds the graceful and forced shutdown waits of a
// retired channel. If zero or no option is used, DefaultShutdownTimeout is
// used.
func WithShutdownTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.shutdownTimeout = timeout
	})
}

// WithClearDelay configures how long DelayClearAddress waits. If zero or no
// option is used, DefaultClearDelay is used.
func WithClearDelay(delay time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.clearDelay = delay
	})
}

// WithHealthCheck sets the HealthCheckEnabled flag of addresses registered
// with SetShortcut or BorrowDirect. The default is true. When false, no
// background health checks run at all.
func WithHealthCheck(enabled bool) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.healthCheck = enabled
	})
}

// WithHealthChecker configures the background health checker used for
// addresses with HealthCheckEnabled. If no WithHealthChecker option is
// used, a polling checker with health.DefaultPollingInterval is used.
func WithHealthChecker(checker health.Checker) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.checker = checker
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	rootCtx         context.Context //nolint:containedctx
	factory         channel.Factory
	balancer        resolver.LoadBalancer
	logger          *zap.Logger
	registerer      prometheus.Registerer
	maxChannels     int
	maxFailover     int
	repairDelay     time.Duration
	shutdownTimeout time.Duration
	clearDelay      time.Duration
	healthCheck     bool
	checker         health.Checker
}

func (opts *poolOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.factory == nil {
		opts.factory = channel.NewGRPCFactory()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.maxChannels <= 0 {
		opts.maxChannels = DefaultMaxChannels
	}
	if opts.maxFailover <= 0 {
		opts.maxFailover = DefaultMaxFailoverAttempts
	}
	if opts.repairDelay <= 0 {
		opts.repairDelay = DefaultRepairDelay
	}
	if opts.shutdownTimeout <= 0 {
		opts.shutdownTimeout = DefaultShutdownTimeout
	}
	if opts.clearDelay <= 0 {
		opts.clearDelay = DefaultClearDelay
	}
	if !opts.healthCheck {
		opts.checker = health.NopChecker
	} else if opts.checker == nil {
		opts.checker = health.NewPollingChecker(health.PollingCheckerConfig{})
	}
}
