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

// Package pooltesting provides fake channels, channel factories and load
// balancers for testing a grpcpool.Pool without a network.
package pooltesting

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/resolver"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

var errNoRPC = errors.New("FakeChannel does not support RPCs")

// FakeChannel is an implementation of channel.Channel that can be used for
// testing. It is not usable for actual RPC traffic: attempts to call its
// Invoke or NewStream methods will always result in error.
//
// To create new instances of FakeChannel, use a FakeFactory.
type FakeChannel struct {
	// Index is the 1-based build order within the factory that made it.
	Index int
	Spec  channel.Spec

	state        atomic.Int32
	shutdown     atomic.Bool
	gracefulFail atomic.Bool
	forceFail    atomic.Bool

	gracefulCalls atomic.Int32
	forceCalls    atomic.Int32
}

// Target implements channel.Channel.
func (c *FakeChannel) Target() string {
	return c.Spec.Target()
}

// State implements channel.Channel, reporting the state last given to
// SetState, or connectivity.Shutdown once shut down.
func (c *FakeChannel) State() connectivity.State {
	return connectivity.State(c.state.Load())
}

// SetState changes the state reported by State.
func (c *FakeChannel) SetState(state connectivity.State) {
	c.state.Store(int32(state)) //nolint:gosec // connectivity states are tiny
}

// IsShutdown implements channel.Channel.
func (c *FakeChannel) IsShutdown() bool {
	return c.shutdown.Load()
}

// Shutdown implements channel.Channel. It terminates the channel unless
// FailGracefulShutdown was called.
func (c *FakeChannel) Shutdown(time.Duration) bool {
	c.gracefulCalls.Add(1)
	c.shutdown.Store(true)
	if c.gracefulFail.Load() {
		return false
	}
	c.SetState(connectivity.Shutdown)
	return true
}

// ShutdownNow implements channel.Channel. It reports failure if
// FailForcedShutdown was called, but the channel still counts as shut down.
func (c *FakeChannel) ShutdownNow(time.Duration) bool {
	c.forceCalls.Add(1)
	c.shutdown.Store(true)
	c.SetState(connectivity.Shutdown)
	return !c.forceFail.Load()
}

// FailGracefulShutdown makes Shutdown report a timeout.
func (c *FakeChannel) FailGracefulShutdown() {
	c.gracefulFail.Store(true)
}

// FailForcedShutdown makes ShutdownNow report a timeout.
func (c *FakeChannel) FailForcedShutdown() {
	c.forceFail.Store(true)
}

// GracefulShutdowns returns the number of calls to Shutdown.
func (c *FakeChannel) GracefulShutdowns() int {
	return int(c.gracefulCalls.Load())
}

// ForcedShutdowns returns the number of calls to ShutdownNow.
func (c *FakeChannel) ForcedShutdowns() int {
	return int(c.forceCalls.Load())
}

// Invoke implements channel.Channel. It always fails.
func (c *FakeChannel) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	return errNoRPC
}

// NewStream implements channel.Channel. It always fails.
func (c *FakeChannel) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errNoRPC
}

// FakeFactory is an implementation of channel.Factory that builds
// *FakeChannel values. It numbers the channels it builds in sequential
// order, so the first channel has an Index of 1, the second 2, and so on.
// Failed builds consume an index too.
//
// See NewFakeFactory.
type FakeFactory struct {
	mu sync.Mutex
	// +checklocks:mu
	built []*FakeChannel
	// +checklocks:mu
	attempts int
	// +checklocks:mu
	state connectivity.State
	// +checklocks:mu
	err error
	// +checklocks:mu
	failIndexes map[int]struct{}
	// +checklocks:mu
	hook func(channel.Spec)
}

// NewFakeFactory constructs a factory whose channels start out Ready.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{state: connectivity.Ready, failIndexes: map[int]struct{}{}}
}

// Build implements channel.Factory.
func (f *FakeFactory) Build(spec channel.Spec) (channel.Channel, error) {
	f.mu.Lock()
	f.attempts++
	index := f.attempts
	hook := f.hook
	_, fail := f.failIndexes[index]
	err := f.err
	state := f.state
	f.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	if fail && err == nil {
		err = errors.New("scripted build failure " + strconv.Itoa(index))
	}
	if err != nil {
		return nil, err
	}
	fake := &FakeChannel{Index: index, Spec: spec}
	fake.SetState(state)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, fake)
	return fake, nil
}

// SetState sets the initial state of channels built after this call.
func (f *FakeFactory) SetState(state connectivity.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// SetError makes every build after this call fail with err. A nil err
// makes builds succeed again.
func (f *FakeFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailBuilds makes the builds with the given 1-based indexes fail.
func (f *FakeFactory) FailBuilds(indexes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, index := range indexes {
		f.failIndexes[index] = struct{}{}
	}
}

// SetHook installs a function called at the start of every build, outside
// of any lock. It may block to hold builds in flight.
func (f *FakeFactory) SetHook(hook func(channel.Spec)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Built returns a snapshot of the channels built so far, in build order.
func (f *FakeFactory) Built() []*FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeChannel(nil), f.built...)
}

// Attempts returns the number of calls to Build, including failed ones.
func (f *FakeFactory) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// FakeBalancer is an implementation of resolver.LoadBalancer that replays
// a script of answers. It can be used for testing failover.
type FakeBalancer struct {
	mu sync.Mutex
	// +checklocks:mu
	answers []*resolver.Instance
	// +checklocks:mu
	next int
	// +checklocks:mu
	queries map[string]int
}

// NewFakeBalancer constructs a balancer that answers with the given
// instances in order, cycling back to the first after the last. With no
// instances it always answers absent.
func NewFakeBalancer(instances ...resolver.Instance) *FakeBalancer {
	balancer := &FakeBalancer{queries: map[string]int{}}
	balancer.Script(instances...)
	return balancer
}

// Script replaces the balancer's answers and restarts from the first.
func (b *FakeBalancer) Script(instances ...resolver.Instance) {
	answers := make([]*resolver.Instance, len(instances))
	for i := range instances {
		answers[i] = &instances[i]
	}
	b.ScriptAnswers(answers...)
}

// ScriptAnswers is like Script, except a nil answer means absent.
func (b *FakeBalancer) ScriptAnswers(answers ...*resolver.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers = answers
	b.next = 0
}

// Choose implements resolver.LoadBalancer.
func (b *FakeBalancer) Choose(_ context.Context, serviceName string) (resolver.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries[serviceName]++
	if len(b.answers) == 0 {
		return resolver.Instance{}, false
	}
	answer := b.answers[b.next%len(b.answers)]
	b.next++
	if answer == nil {
		return resolver.Instance{}, false
	}
	return *answer, true
}

// Queries returns how many times Choose was called for the service.
func (b *FakeBalancer) Queries(serviceName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[serviceName]
}

// Instance returns an instance with its gRPC port in metadata.
func Instance(host string, port int) resolver.Instance {
	return resolver.Instance{
		Host:     host,
		Metadata: map[string]string{resolver.PortMetadataKey: strconv.Itoa(port)},
	}
}

// Target joins host and port the way channel specs do.
func Target(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
