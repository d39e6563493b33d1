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

package grpcpool_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/bufbuild/grpcpool"
	"github.com/bufbuild/grpcpool/health"
	"github.com/bufbuild/grpcpool/internal/clocktest"
	"github.com/bufbuild/grpcpool/internal/pooltesting"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	pool     *grpcpool.Pool
	factory  *pooltesting.FakeFactory
	balancer *pooltesting.FakeBalancer
	checker  *fakeChecker
	clock    clocktest.FakeClock
	registry *prometheus.Registry
}

// newTestEnv creates a pool backed by fakes, driven by a fake clock. Slots
// are probed in order unless a test installs its own picker.
func newTestEnv(t *testing.T, options ...grpcpool.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		factory:  pooltesting.NewFakeFactory(),
		balancer: pooltesting.NewFakeBalancer(),
		checker:  &fakeChecker{},
		clock:    clocktest.NewFakeClock(),
		registry: prometheus.NewPedanticRegistry(),
	}
	options = append([]grpcpool.Option{
		grpcpool.WithChannelFactory(env.factory),
		grpcpool.WithLoadBalancer(env.balancer),
		grpcpool.WithHealthChecker(env.checker),
		grpcpool.WithLogger(zaptest.NewLogger(t)),
		grpcpool.WithMetrics(env.registry),
		grpcpool.WithMaxChannels(3),
	}, options...)
	env.pool = grpcpool.New(options...)
	grpcpool.SetClock(env.pool, env.clock)
	grpcpool.SetPickerRand(env.pool, func(int) int { return 0 })
	t.Cleanup(func() {
		assert.NoError(t, env.pool.Shutdown())
	})
	return env
}

// fakes returns the channels in the slots of the pool for key.
func (env *testEnv) fakes(t *testing.T, key grpcpool.AddressKey) []*pooltesting.FakeChannel {
	t.Helper()
	channels := grpcpool.PoolChannels(env.pool, key)
	fakes := make([]*pooltesting.FakeChannel, len(channels))
	for i, ch := range channels {
		fake, ok := ch.(*pooltesting.FakeChannel)
		require.True(t, ok)
		fakes[i] = fake
	}
	return fakes
}

// metricValue sums the samples of the named metric whose labels include
// the given ones.
func (env *testEnv) metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := env.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
	}
	return total
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if value, ok := labels[pair.GetName()]; ok && value == pair.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// fakeChecker records the pools it was asked to check. Tests sweep them
// by hand.
type fakeChecker struct {
	mu       sync.Mutex
	sweepers []health.Sweeper
	closed   int
}

func (c *fakeChecker) New(_ context.Context, pool health.Sweeper) io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepers = append(c.sweepers, pool)
	return closerFunc(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed++
		return nil
	})
}

func (c *fakeChecker) started() []health.Sweeper {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]health.Sweeper(nil), c.sweepers...)
}

func (c *fakeChecker) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
