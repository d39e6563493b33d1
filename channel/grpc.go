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

package channel

import (
	"context"
	"sync"
	"time"

	"github.com/bufbuild/grpcpool/header"
	"github.com/bufbuild/grpcpool/internal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// DefaultMaxReceiveMessageSize is the largest inbound message accepted by
// channels from NewGRPCFactory unless overridden.
const DefaultMaxReceiveMessageSize = 8 << 20

// ErrShutdown is returned by RPCs started on a channel after shutdown was
// requested. Its status code is codes.Unavailable so that callers treat it
// like any other lost connection.
var ErrShutdown = status.Error(codes.Unavailable, "grpcpool: channel is shut down")

// GRPCFactoryOption is an option for customizing the factory returned by
// NewGRPCFactory.
type GRPCFactoryOption interface {
	applyToFactory(*grpcFactory)
}

// WithDialOptions adds dial options to every channel. They are applied
// after the factory defaults and the Spec's interceptors, but before the
// Spec's configurators.
func WithDialOptions(opts ...grpc.DialOption) GRPCFactoryOption {
	return factoryOptionFunc(func(f *grpcFactory) {
		f.dialOpts = append(f.dialOpts, opts...)
	})
}

// WithMaxReceiveMessageSize overrides DefaultMaxReceiveMessageSize.
func WithMaxReceiveMessageSize(size int) GRPCFactoryOption {
	return factoryOptionFunc(func(f *grpcFactory) {
		f.maxRecvSize = size
	})
}

// WithoutHeaderPropagation disables the header interceptors that are
// otherwise installed first on every channel.
func WithoutHeaderPropagation() GRPCFactoryOption {
	return factoryOptionFunc(func(f *grpcFactory) {
		f.noHeader = true
	})
}

// NewGRPCFactory returns a Factory that builds plaintext channels with
// grpc.NewClient. The interceptor chain on each channel is the request
// header interceptor (see package header), followed by the Spec's
// interceptors in order.
func NewGRPCFactory(opts ...GRPCFactoryOption) Factory {
	factory := &grpcFactory{
		maxRecvSize: DefaultMaxReceiveMessageSize,
		clock:       internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.applyToFactory(factory)
	}
	return factory
}

type grpcFactory struct {
	dialOpts    []grpc.DialOption
	maxRecvSize int
	noHeader    bool
	clock       internal.Clock
}

func (f *grpcFactory) Build(spec Spec) (Channel, error) {
	target := spec.Target()
	clientConn, err := grpc.NewClient(target, f.dialOptions(spec)...)
	if err != nil {
		return nil, err
	}
	return newGRPCChannel(target, clientConn, f.clock), nil
}

func (f *grpcFactory) dialOptions(spec Spec) []grpc.DialOption {
	var (
		unary  []grpc.UnaryClientInterceptor
		stream []grpc.StreamClientInterceptor
	)
	if !f.noHeader {
		unary = append(unary, header.UnaryClientInterceptor())
		stream = append(stream, header.StreamClientInterceptor())
	}
	for _, interceptor := range spec.Interceptors {
		if interceptor.Unary != nil {
			unary = append(unary, interceptor.Unary)
		}
		if interceptor.Stream != nil {
			stream = append(stream, interceptor.Stream)
		}
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(f.maxRecvSize)),
		grpc.WithChainUnaryInterceptor(unary...),
		grpc.WithChainStreamInterceptor(stream...),
	}
	opts = append(opts, f.dialOpts...)
	for _, configure := range spec.Configurators {
		opts = configure(opts)
	}
	return opts
}

type factoryOptionFunc func(*grpcFactory)

func (f factoryOptionFunc) applyToFactory(factory *grpcFactory) {
	f(factory)
}

// grpcChannel tracks in-flight calls on a *grpc.ClientConn so that a
// graceful shutdown can wait for them before closing the connection.
type grpcChannel struct {
	target string
	conn   *grpc.ClientConn
	clock  internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	inflight int
	// +checklocks:mu
	draining bool
	// closed once draining and inflight is zero
	drained chan struct{}
	// +checklocks:mu
	drainedClosed bool
}

func newGRPCChannel(target string, conn *grpc.ClientConn, clock internal.Clock) *grpcChannel {
	return &grpcChannel{
		target:  target,
		conn:    conn,
		clock:   clock,
		drained: make(chan struct{}),
	}
}

func (c *grpcChannel) Target() string {
	return c.target
}

// State reports connectivity.Shutdown as soon as a shutdown starts, even
// while in-flight calls keep the connection open.
func (c *grpcChannel) State() connectivity.State {
	c.mu.Lock()
	draining := c.draining
	c.mu.Unlock()
	if draining {
		return connectivity.Shutdown
	}
	return c.conn.GetState()
}

func (c *grpcChannel) Connect() {
	c.conn.Connect()
}

func (c *grpcChannel) WaitForStateChange(ctx context.Context, source connectivity.State) bool {
	return c.conn.WaitForStateChange(ctx, source)
}

func (c *grpcChannel) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

func (c *grpcChannel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	if !c.acquire() {
		return ErrShutdown
	}
	defer c.release()
	return c.conn.Invoke(ctx, method, args, reply, opts...)
}

func (c *grpcChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if !c.acquire() {
		return nil, ErrShutdown
	}
	stream, err := c.conn.NewStream(ctx, desc, method, opts...)
	if err != nil {
		c.release()
		return nil, err
	}
	tracked := &trackedStream{ClientStream: stream}
	tracked.done = sync.OnceFunc(c.release)
	// The stream's context is canceled when the stream finishes for any
	// reason, including the caller abandoning it.
	context.AfterFunc(stream.Context(), tracked.done)
	return tracked, nil
}

func (c *grpcChannel) Shutdown(timeout time.Duration) bool {
	c.mu.Lock()
	c.beginDrainLocked()
	c.mu.Unlock()

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.drained:
		return c.close()
	case <-timer.Chan():
		return false
	}
}

func (c *grpcChannel) ShutdownNow(timeout time.Duration) bool {
	c.mu.Lock()
	c.beginDrainLocked()
	c.mu.Unlock()

	closed := make(chan bool, 1)
	go func() {
		closed <- c.close()
	}()
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-closed:
		return ok
	case <-timer.Chan():
		return false
	}
}

func (c *grpcChannel) close() bool {
	err := c.conn.Close()
	// Closing twice reports codes.Canceled, which still means the
	// connection is terminated.
	return err == nil || status.Code(err) == codes.Canceled
}

func (c *grpcChannel) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.inflight++
	return true
}

func (c *grpcChannel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.draining && c.inflight == 0 && !c.drainedClosed {
		c.drainedClosed = true
		close(c.drained)
	}
}

// +checklocks:c.mu
func (c *grpcChannel) beginDrainLocked() {
	c.draining = true
	if c.inflight == 0 && !c.drainedClosed {
		c.drainedClosed = true
		close(c.drained)
	}
}

type trackedStream struct {
	grpc.ClientStream
	done func()
}

func (s *trackedStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		s.done()
	}
	return err
}
