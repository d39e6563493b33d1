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

// Package grpcpool provides a client-side pool of gRPC channels for
// server-to-server communication. Callers borrow a channel by the logical
// name of the service they want to call; the pool owns every channel it
// hands out and keeps it healthy.
//
// To create a new pool use the [New] function, then register services
// with [Pool.SetShortcut] (or [Pool.Register]):
//
//	pool := grpcpool.New(
//	    grpcpool.WithLoadBalancer(balancer),
//	    grpcpool.WithLogger(logger),
//	)
//	defer pool.Shutdown()
//	pool.SetShortcut("orders", "orders.internal", 9090, false)
//	pool.SetShortcut("billing", "", 0, true)
//
//	ch, err := pool.Borrow(ctx, "orders")
//	if err != nil {
//	    // every channel to the address failed; it is now marked
//	    // not available
//	}
//	if ch == nil {
//	    // unknown name, or nothing to route to
//	}
//	client := orderspb.NewOrdersClient(ch)
//
// # Pools and Slots
//
// Each address gets a fixed number of channels (see [WithMaxChannels]),
// built the first time the address is borrowed from. Concurrent first
// borrows build the pool once. Channels that fail to build are left out,
// so a pool may be shorter than configured, but its length never changes
// afterwards: an unusable channel is replaced in its slot.
//
// A borrow probes slots in random order, visiting each at most once, and
// returns the first channel whose connectivity state is Ready or Idle.
// Unusable channels it passes are replaced in the background after
// [WithRepairDelay]. If the last slot probed is unusable too, it is
// replaced inline; if the new channel is not usable either, the address is
// marked [StatusNotAvailable] and the borrow fails with
// [ErrNoChannelAvailable].
//
// # Discovery and Failover
//
// Names registered with discovery enabled are resolved through a
// [resolver.LoadBalancer] on every borrow. When the chosen address is not
// available, the pool asks the load balancer again, a bounded number of
// times, for an address that already has a pool and is still healthy.
// Addresses without discovery never fail over; they stay unavailable until
// cleared with [Pool.ClearAddress] or [Pool.ClearPooledObject].
//
// # Channels
//
// By default channels are built with [channel.NewGRPCFactory]: plaintext,
// an 8 MiB inbound message limit, and the request header interceptors of
// package header ahead of any interceptor added with
// [Pool.AppendInterceptor].
package grpcpool
