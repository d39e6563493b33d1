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

// Package channel provides the representation of a pooled RPC channel.
// A channel is the primitive stored in the slots of a
// [github.com/bufbuild/grpcpool] pool. A single channel generally wraps a
// single *grpc.ClientConn to a single host and port.
package channel

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// Channel represents a logical connection to one address. It may actually
// be represented by zero or more physical connections (i.e. sockets).
//
// Channels handed out by a pool are shared: many callers may use the same
// value concurrently, and callers must never shut down a channel they
// borrowed.
type Channel interface {
	grpc.ClientConnInterface
	// Target is the "host:port" this channel connects to.
	Target() string
	// State reports the current connectivity state. It must not block.
	State() connectivity.State
	// IsShutdown reports whether shutdown was requested, even if RPCs
	// started earlier are still draining.
	IsShutdown() bool
	// Shutdown stops accepting new RPCs and waits up to timeout for
	// in-flight RPCs to complete. It returns true if the channel
	// terminated within the timeout.
	Shutdown(timeout time.Duration) bool
	// ShutdownNow cancels in-flight RPCs and closes the channel, waiting at
	// most timeout. It returns true if the channel terminated.
	ShutdownNow(timeout time.Duration) bool
}

// Spec describes the channel to build.
type Spec struct {
	Host string
	Port int
	// Interceptors are installed in order, so the first one is the
	// outermost in the calling chain.
	Interceptors []Interceptor
	// Configurators are applied after everything else, so their options
	// take precedence.
	Configurators []Configurator
}

// Target returns the "host:port" form of the Spec's address.
func (s Spec) Target() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Factory builds channels. Implementations must be safe for concurrent use.
type Factory interface {
	Build(spec Spec) (Channel, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(spec Spec) (Channel, error)

// Build implements Factory.
func (f FactoryFunc) Build(spec Spec) (Channel, error) {
	return f(spec)
}

// Interceptor is one link in a channel's call chain. Either field may be
// nil if the interceptor only applies to one kind of call.
type Interceptor struct {
	Unary  grpc.UnaryClientInterceptor
	Stream grpc.StreamClientInterceptor
}

// UnaryInterceptor returns an Interceptor that only applies to unary calls.
func UnaryInterceptor(interceptor grpc.UnaryClientInterceptor) Interceptor {
	return Interceptor{Unary: interceptor}
}

// StreamInterceptor returns an Interceptor that only applies to streams.
func StreamInterceptor(interceptor grpc.StreamClientInterceptor) Interceptor {
	return Interceptor{Stream: interceptor}
}

// Configurator customizes the dial options used to build a channel. It
// receives the options computed so far and returns the options to use.
type Configurator func(opts []grpc.DialOption) []grpc.DialOption

// AwaitReady blocks until ch reports connectivity.Ready, kicking idle
// channels into connecting. It returns an error if the channel shuts down
// or ctx is done first. Channels that cannot report state changes are
// polled only once.
func AwaitReady(ctx context.Context, ch Channel) error {
	watcher, canWatch := ch.(stateWatcher)
	for {
		state := ch.State()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("channel to " + ch.Target() + " is shut down")
		case connectivity.Idle:
			if canWatch {
				watcher.Connect()
			}
		case connectivity.Connecting, connectivity.TransientFailure:
		}
		if !canWatch {
			return errors.New("channel to " + ch.Target() + " is " + state.String())
		}
		if !watcher.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

type stateWatcher interface {
	Connect()
	WaitForStateChange(ctx context.Context, source connectivity.State) bool
}
