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

package resolver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/grpcpool/internal"
	"golang.org/x/sync/errgroup"
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Prober provides single-shot resolution of a service name.
type Prober interface {
	// ResolveOnce returns the current instances of the named service.
	// The second return value specifies the TTL of the result, or 0 if
	// there is no known TTL value.
	ResolveOnce(ctx context.Context, serviceName string) (instances []Instance, ttl time.Duration, err error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, serviceName string) ([]Instance, time.Duration, error)

// ResolveOnce implements Prober.
func (f ProberFunc) ResolveOnce(ctx context.Context, serviceName string) ([]Instance, time.Duration, error) {
	return f(ctx, serviceName)
}

// NewDNSBalancer creates a polling balancer whose service names are DNS
// names, optionally with a ":port" suffix. Every resolved IP becomes an
// instance whose gRPC port is the suffix port, or defaultPort when the name
// has none. The network must be one of "ip", "ip4" or "ip6". Because
// net.Resolver does not expose record TTLs, results are refreshed every
// ttl.
func NewDNSBalancer(
	resolver *net.Resolver,
	network string,
	defaultPort int,
	ttl time.Duration,
	affinity AddressFamilyAffinity,
) *PollingBalancer {
	return NewPollingBalancer(
		&dnsProber{
			resolver:    resolver,
			network:     network,
			defaultPort: defaultPort,
			affinity:    affinity,
		},
		ttl,
	)
}

// NewPollingBalancer creates a balancer that polls prober for each service
// it is asked about, re-probing whenever the result-set TTL expires. If the
// prober does not return a TTL with the result-set, defaultTTL is used.
//
// The first Choose for a service waits for the first probe to finish, or
// for its context to be done. Close stops all background probing.
func NewPollingBalancer(prober Prober, defaultTTL time.Duration) *PollingBalancer {
	ctx, cancel := context.WithCancel(context.Background())
	return &PollingBalancer{
		prober:     prober,
		defaultTTL: defaultTTL,
		clock:      internal.NewRealClock(),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      map[string]*pollingTask{},
	}
}

// PollingBalancer is a LoadBalancer backed by periodic probing. Create one
// with NewPollingBalancer or NewDNSBalancer.
type PollingBalancer struct {
	prober     Prober
	defaultTTL time.Duration
	clock      internal.Clock
	ctx        context.Context //nolint:containedctx
	cancel     context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	tasks map[string]*pollingTask
	// +checklocks:mu
	closed bool
}

// Choose implements LoadBalancer, rotating over the most recently probed
// instances of the service.
func (b *PollingBalancer) Choose(ctx context.Context, serviceName string) (Instance, bool) {
	task := b.task(serviceName)
	if task == nil {
		return Instance{}, false
	}
	select {
	case <-task.ready:
	case <-ctx.Done():
		return Instance{}, false
	}
	return roundRobin(ctx, task.snapshot(), &task.next)
}

// ResolveNow hints that the named service should be probed again without
// waiting for its TTL. It does nothing for services never chosen.
func (b *PollingBalancer) ResolveNow(serviceName string) {
	b.mu.Lock()
	task := b.tasks[serviceName]
	b.mu.Unlock()
	if task == nil {
		return
	}
	select {
	case task.refresh <- struct{}{}:
	default:
	}
}

// Close stops probing. Choose returns false afterwards.
func (b *PollingBalancer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tasks := b.tasks
	b.tasks = nil
	b.mu.Unlock()

	b.cancel()
	var grp errgroup.Group
	for _, task := range tasks {
		grp.Go(task.wait)
	}
	return grp.Wait()
}

func (b *PollingBalancer) task(serviceName string) *pollingTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if task, ok := b.tasks[serviceName]; ok {
		return task
	}
	task := &pollingTask{
		balancer:   b,
		ready:      make(chan struct{}),
		refresh:    make(chan struct{}, 1),
		doneSignal: make(chan struct{}),
	}
	task.next.Store(uint64(internal.NewRand().Uint32()))
	b.tasks[serviceName] = task
	go task.run(b.ctx, serviceName)
	return task
}

type pollingTask struct {
	balancer   *PollingBalancer
	ready      chan struct{}
	readyOnce  sync.Once
	refresh    chan struct{}
	doneSignal chan struct{}
	next       atomic.Uint64

	mu sync.Mutex
	// +checklocks:mu
	instances []Instance
}

func (task *pollingTask) snapshot() []Instance {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.instances
}

func (task *pollingTask) wait() error {
	<-task.doneSignal
	return nil
}

func (task *pollingTask) run(ctx context.Context, serviceName string) {
	defer close(task.doneSignal)
	defer task.readyOnce.Do(func() { close(task.ready) })

	timer := task.balancer.clock.NewTimer(0)
	if !timer.Stop() {
		<-timer.Chan()
	}

	for {
		instances, ttl, err := task.balancer.prober.ResolveOnce(ctx, serviceName)
		if err == nil {
			task.mu.Lock()
			task.instances = instances
			task.mu.Unlock()
		}
		// Failed probes keep serving the previous instances.
		task.readyOnce.Do(func() { close(task.ready) })

		if ttl == 0 {
			ttl = task.balancer.defaultTTL
		}
		timer.Reset(ttl)

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.Chan()
			}
			return
		case <-task.refresh:
			// Reset should be invoked only on stopped or expired timers
			// with drained channels.
			if !timer.Stop() {
				<-timer.Chan()
			}
		case <-timer.Chan():
		}
	}
}

type dnsProber struct {
	resolver    *net.Resolver
	network     string
	defaultPort int
	affinity    AddressFamilyAffinity
}

func (r *dnsProber) ResolveOnce(ctx context.Context, serviceName string) ([]Instance, time.Duration, error) {
	host, port, err := net.SplitHostPort(serviceName)
	if err != nil {
		// Assume this is not a host:port pair.
		host = serviceName
		port = strconv.Itoa(r.defaultPort)
	}
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, 0, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	result := make([]Instance, len(addresses))
	for i, address := range addresses {
		result[i] = Instance{
			Host:     address.Unmap().String(),
			Metadata: map[string]string{PortMetadataKey: port},
		}
	}
	return result, 0, nil
}
