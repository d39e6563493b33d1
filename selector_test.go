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
	"testing"
	"time"

	"github.com/bufbuild/grpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/connectivity"
)

var ordersKey = grpcpool.AddressKey{ChannelName: "orders", Host: "10.0.0.1", Port: 9090}

func TestBorrowSkipsUnusableChannel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	fakes := env.fakes(t, ordersKey)
	fakes[0].SetState(connectivity.TransientFailure)

	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	assert.Same(t, fakes[1], ch)
	// The unusable channel is replaced later, not during the borrow.
	assert.Equal(t, 1, grpcpool.PendingTasks(env.pool))
	assert.False(t, fakes[0].IsShutdown())
	assert.Equal(t, 3, env.factory.Attempts())

	env.clock.Advance(grpcpool.DefaultRepairDelay)
	require.Eventually(t, func() bool {
		return grpcpool.PendingTasks(env.pool) == 0
	}, time.Second, time.Millisecond)
	assert.True(t, fakes[0].IsShutdown())
	after := env.fakes(t, ordersKey)
	assert.Equal(t, 4, after[0].Index)
	assert.Same(t, fakes[1], after[1])
	assert.Same(t, fakes[2], after[2])
}

func TestBorrowIdleIsUsable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.factory.SetState(connectivity.Idle)
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, connectivity.Idle, ch.State())
	assert.Zero(t, grpcpool.PendingTasks(env.pool))
}

func TestBorrowProbesEachSlotOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	// Probe from the back: slot 2, then 1, then 0.
	grpcpool.SetPickerRand(env.pool, func(n int) int { return n - 1 })
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	fakes := env.fakes(t, ordersKey)
	for _, fake := range fakes {
		fake.SetState(connectivity.Connecting)
	}

	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ch)
	after := env.fakes(t, ordersKey)
	// Only the last slot probed is rebuilt inline.
	assert.Same(t, after[0], ch)
	assert.Equal(t, 4, after[0].Index)
	assert.True(t, fakes[0].IsShutdown())
	assert.Equal(t, 2, grpcpool.PendingTasks(env.pool))
	assert.Equal(t, 4, env.factory.Attempts())
	assert.Equal(t, 1.0, env.metricValue(t, "grpcpool_repairs_total",
		map[string]string{"mode": "immediate", "result": "replaced"}))
}

func TestBorrowExhausted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, grpcpool.WithMaxChannels(2))
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	fakes := env.fakes(t, ordersKey)
	for _, fake := range fakes {
		fake.SetState(connectivity.TransientFailure)
	}
	env.factory.SetState(connectivity.TransientFailure)

	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.ErrorIs(t, err, grpcpool.ErrNoChannelAvailable)
	assert.Contains(t, err.Error(), "orders@10.0.0.1:9090")
	assert.Nil(t, ch)
	address, ok := env.pool.AddressOf("orders")
	require.True(t, ok)
	assert.Equal(t, grpcpool.StatusNotAvailable, address.Status)
	assert.Equal(t, 1.0, env.metricValue(t, "grpcpool_unavailable_addresses_total", map[string]string{"channel": "orders"}))
	assert.Equal(t, 1.0, env.metricValue(t, "grpcpool_borrows_total", map[string]string{"result": "error"}))

	// A static address never fails over; it stays unavailable.
	attempts := env.factory.Attempts()
	ch, err = env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.Equal(t, attempts, env.factory.Attempts())

	// Clearing the address makes it healthy again and rebuilds it.
	env.factory.SetState(connectivity.Ready)
	env.pool.ClearAddress(grpcpool.Address{ChannelName: "orders", Host: "10.0.0.1", Port: 9090})
	address, ok = env.pool.AddressOf("orders")
	require.True(t, ok)
	assert.Equal(t, grpcpool.StatusHealthy, address.Status)
	ch, err = env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, connectivity.Ready, ch.State())
	require.Eventually(t, func() bool {
		for _, fake := range fakes {
			if !fake.IsShutdown() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestBorrowExhaustedBuildFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, grpcpool.WithMaxChannels(1))
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	env.fakes(t, ordersKey)[0].SetState(connectivity.Shutdown)
	env.factory.SetError(assert.AnError)

	_, err = env.pool.Borrow(context.Background(), "orders")
	require.ErrorIs(t, err, grpcpool.ErrNoChannelAvailable)
	assert.Equal(t, 1.0, env.metricValue(t, "grpcpool_repairs_total",
		map[string]string{"mode": "immediate", "result": "failed"}))
	// The slot keeps its place even though it could not be refilled.
	assert.Len(t, grpcpool.PoolChannels(env.pool, ordersKey), 1)
}

func TestClear(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, grpcpool.WithMaxChannels(1))
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	env.pool.SetShortcut("billing", "", 0, true)
	env.balancer.Script(instanceA, instanceB)
	for range 2 {
		_, err := env.pool.Borrow(context.Background(), "billing")
		require.NoError(t, err)
	}
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, 2, grpcpool.KnownAddresses(env.pool, "billing"))

	env.pool.ClearPooledObject("missing")
	env.pool.ClearPooledObject("billing")
	assert.Zero(t, grpcpool.KnownAddresses(env.pool, "billing"))
	assert.Equal(t, 1, grpcpool.KnownAddresses(env.pool, "orders"))
	env.pool.ClearPooledObject("orders")
	assert.Zero(t, grpcpool.KnownAddresses(env.pool, "orders"))

	require.Eventually(t, func() bool {
		return grpcpool.PendingTasks(env.pool) == 0
	}, time.Second, time.Millisecond)
	for _, fake := range env.factory.Built() {
		assert.True(t, fake.IsShutdown())
	}
}

func TestDelayClearAddress(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, grpcpool.WithClearDelay(5*time.Second))
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)

	address, ok := env.pool.AddressOf("orders")
	require.True(t, ok)
	env.pool.DelayClearAddress(address)
	env.clock.Advance(4 * time.Second)
	assert.Equal(t, 1, grpcpool.KnownAddresses(env.pool, "orders"))

	env.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return grpcpool.KnownAddresses(env.pool, "orders") == 0 &&
			grpcpool.PendingTasks(env.pool) == 0
	}, time.Second, time.Millisecond)
	for _, fake := range env.factory.Built() {
		assert.True(t, fake.IsShutdown())
	}
}

func TestBorrowReturnsLastUsableSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	fakes := env.fakes(t, ordersKey)
	fakes[0].SetState(connectivity.TransientFailure)
	fakes[1].SetState(connectivity.TransientFailure)

	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	assert.Same(t, fakes[2], ch)
	assert.Equal(t, 2, grpcpool.PendingTasks(env.pool))
	assert.Zero(t, fakes[2].GracefulShutdowns())

	env.clock.Advance(grpcpool.DefaultRepairDelay)
	require.Eventually(t, func() bool {
		return grpcpool.PendingTasks(env.pool) == 0
	}, time.Second, time.Millisecond)
	after := env.fakes(t, ordersKey)
	assert.ElementsMatch(t, []int{4, 5}, []int{after[0].Index, after[1].Index})
	assert.Same(t, fakes[2], after[2])
}

func TestBorrowRepairsInline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, grpcpool.WithMaxChannels(2))
	env.pool.SetShortcut("orders", "10.0.0.1", 9090, false)
	_, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	fakes := env.fakes(t, ordersKey)
	for _, fake := range fakes {
		fake.SetState(connectivity.TransientFailure)
	}

	ch, err := env.pool.Borrow(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, connectivity.Ready, ch.State())
	assert.Same(t, env.fakes(t, ordersKey)[1], ch)
	assert.True(t, fakes[1].IsShutdown())
	address, ok := env.pool.AddressOf("orders")
	require.True(t, ok)
	assert.Equal(t, grpcpool.StatusHealthy, address.Status)
}
