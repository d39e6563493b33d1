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
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/header"
	"github.com/bufbuild/grpcpool/health"
	"github.com/bufbuild/grpcpool/internal"
	"github.com/bufbuild/grpcpool/resolver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Pool hands out shared, health-checked channels by logical name. It is
// safe for concurrent use. Create one with New and release it with
// Shutdown.
type Pool struct {
	factory         channel.Factory
	balancer        resolver.LoadBalancer
	logger          *zap.Logger
	metrics         *metrics
	checker         health.Checker
	maxChannels     int
	maxFailover     int
	repairDelay     time.Duration
	shutdownTimeout time.Duration
	clearDelay      time.Duration
	healthCheck     bool
	rootCtx         context.Context //nolint:containedctx
	cancel          context.CancelFunc
	clock           internal.Clock
	scheduler       *scheduler
	// intn drives slot selection.
	intn func(int) int

	closed   atomic.Bool
	creating singleflight.Group

	registryMu sync.RWMutex
	// +checklocks:registryMu
	shortcuts map[string]Address
	// +checklocks:registryMu
	interceptors map[string][]channel.Interceptor
	// +checklocks:registryMu
	configurators map[string][]channel.Configurator

	poolsMu sync.RWMutex
	// +checklocks:poolsMu
	pools map[string]map[AddressKey]*addressPool
	// +checklocks:poolsMu
	status map[AddressKey]Status
}

// New returns a new pool configured with the given options.
func New(options ...Option) *Pool {
	opts := poolOptions{healthCheck: true}
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(opts.rootCtx)
	clock := internal.NewRealClock()
	return &Pool{
		factory:         opts.factory,
		balancer:        opts.balancer,
		logger:          opts.logger,
		metrics:         newMetrics(opts.registerer),
		checker:         opts.checker,
		maxChannels:     opts.maxChannels,
		maxFailover:     opts.maxFailover,
		repairDelay:     opts.repairDelay,
		shutdownTimeout: opts.shutdownTimeout,
		clearDelay:      opts.clearDelay,
		healthCheck:     opts.healthCheck,
		rootCtx:         ctx,
		cancel:          cancel,
		clock:           clock,
		scheduler:       newScheduler(clock),
		intn:            internal.NewLockedRand().Intn,
		shortcuts:       map[string]Address{},
		interceptors:    map[string][]channel.Interceptor{},
		configurators:   map[string][]channel.Configurator{},
		pools:           map[string]map[AddressKey]*addressPool{},
		status:          map[AddressKey]Status{},
	}
}

// SetShortcut registers name, replacing any previous registration. With
// discovery enabled, host and port are informational and every borrow asks
// the load balancer for an instance instead. Pools already created are not
// affected.
func (p *Pool) SetShortcut(name, host string, port int, discoveryEnabled bool) {
	p.Register(Address{
		ChannelName:        name,
		Host:               host,
		Port:               port,
		DiscoveryEnabled:   discoveryEnabled,
		HealthCheckEnabled: p.healthCheck,
	})
}

// Register is like SetShortcut, but takes every setting from address.
// The name registered is address.ChannelName.
func (p *Pool) Register(address Address) {
	address.Status = StatusHealthy
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	p.shortcuts[address.ChannelName] = address
}

// AppendInterceptor adds interceptor to the end of the chain used for
// channels of the named service. It only affects channels built after the
// call; the first interceptor appended is the outermost.
func (p *Pool) AppendInterceptor(name string, interceptor channel.Interceptor) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	p.interceptors[name] = append(p.interceptors[name], interceptor)
}

// ApplyCustomConfig adds a configurator for channels of the named service.
// Configurators run last, so their dial options win over the defaults.
func (p *Pool) ApplyCustomConfig(name string, configurator channel.Configurator) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	p.configurators[name] = append(p.configurators[name], configurator)
}

// AddressOf returns the address registered for name, with its current
// status.
func (p *Pool) AddressOf(name string) (Address, bool) {
	p.registryMu.RLock()
	address, ok := p.shortcuts[name]
	p.registryMu.RUnlock()
	if !ok {
		return Address{}, false
	}
	address.Status = p.statusOf(address.Key())
	return address, true
}

// RegisteredNames returns the registered names in sorted order.
func (p *Pool) RegisteredNames() []string {
	p.registryMu.RLock()
	names := make([]string, 0, len(p.shortcuts))
	for name := range p.shortcuts {
		names = append(names, name)
	}
	p.registryMu.RUnlock()
	slices.Sort(names)
	return names
}

// Borrow returns a usable channel for the named service. The channel stays
// owned by the pool: callers may use it concurrently with others but must
// never shut it down.
//
// Borrow returns nil and no error when the name is not registered, the
// load balancer has nothing to offer, or failover finds no alternative.
// It returns an error wrapping ErrNoChannelAvailable when every channel of
// the chosen address is unusable and could not be rebuilt, and ErrClosed
// after Shutdown.
func (p *Pool) Borrow(ctx context.Context, name string) (channel.Channel, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	address, ok := p.resolve(ctx, name)
	if !ok {
		p.metrics.borrows.WithLabelValues(resultAbsent).Inc()
		return nil, nil
	}
	return p.borrowAddress(ctx, address)
}

// BorrowDirect is like Borrow for an address that was never registered.
// The channel name is "host:port", which is also the name to use with
// AppendInterceptor and ApplyCustomConfig for it.
func (p *Pool) BorrowDirect(ctx context.Context, host string, port int) (channel.Channel, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.borrowAddress(ctx, Address{
		ChannelName:        net.JoinHostPort(host, strconv.Itoa(port)),
		Host:               host,
		Port:               port,
		HealthCheckEnabled: p.healthCheck,
	})
}

// LeaseExclusive builds a channel to the address registered for name
// that is owned by the caller, who must shut it down. It bypasses the
// load balancer and the pool but keeps the name's interceptors, which
// makes it suitable for long-lived streams.
func (p *Pool) LeaseExclusive(ctx context.Context, name string) (channel.Channel, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	address, ok := p.AddressOf(name)
	if !ok {
		p.logger.Info("channel name not registered", append(header.Fields(ctx), zap.String("channel", name))...)
		return nil, nil
	}
	return p.buildUnpooled(ctx, address), nil
}

// CreateFresh resolves name like Borrow, without failover, and always
// builds a new channel. The channel is owned by the caller, who must shut
// it down.
func (p *Pool) CreateFresh(ctx context.Context, name string) (channel.Channel, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	address, ok := p.resolve(ctx, name)
	if !ok {
		return nil, nil
	}
	return p.buildUnpooled(ctx, address), nil
}

// MarkBroken schedules replacement of ch if it is one of the pool's
// channels.
//
// Deprecated: borrows already detect and replace unusable channels.
func (p *Pool) MarkBroken(ch channel.Channel) {
	if ch == nil {
		return
	}
	p.poolsMu.RLock()
	var (
		found *addressPool
		index = -1
	)
	for _, byAddress := range p.pools {
		for _, ap := range byAddress {
			if index = ap.indexOf(ch); index >= 0 {
				found = ap
				break
			}
		}
		if found != nil {
			break
		}
	}
	p.poolsMu.RUnlock()
	if found == nil {
		p.logger.Debug("broken channel is not pooled", zap.String("target", ch.Target()))
		return
	}
	p.scheduleRepair(found, index, ch)
}

// ClearPooledObject discards the pools of the named service: every
// discovered address for a discovery-enabled name, or the registered
// address otherwise. Later borrows rebuild them.
func (p *Pool) ClearPooledObject(name string) {
	address, ok := p.AddressOf(name)
	if !ok {
		return
	}
	if !address.DiscoveryEnabled {
		p.ClearAddress(address)
		return
	}
	p.poolsMu.RLock()
	keys := make([]AddressKey, 0, len(p.pools[name]))
	for key := range p.pools[name] {
		keys = append(keys, key)
	}
	p.poolsMu.RUnlock()
	for _, key := range keys {
		p.clearKey(key)
	}
}

// ClearAddress discards the pool of one address and resets its status to
// StatusHealthy, so the next borrow that picks it builds a new pool. The
// discarded channels are shut down in the background.
func (p *Pool) ClearAddress(address Address) {
	p.clearKey(address.Key())
}

// DelayClearAddress calls ClearAddress after the configured clear delay.
func (p *Pool) DelayClearAddress(address Address) {
	key := address.Key()
	if !p.scheduler.after(p.clearDelay, func() { p.clearKey(key) }) {
		p.clearKey(key)
	}
}

// Shutdown shuts down every pooled channel and stops all background work.
// Channels leased with LeaseExclusive or CreateFresh are not affected.
func (p *Pool) Shutdown() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.scheduler.stop()

	p.poolsMu.Lock()
	pools := p.pools
	p.pools = map[string]map[AddressKey]*addressPool{}
	p.status = map[AddressKey]Status{}
	p.poolsMu.Unlock()

	var grp errgroup.Group
	for _, byAddress := range pools {
		for _, ap := range byAddress {
			grp.Go(func() error {
				ap.close()
				p.retire(ap)
				return nil
			})
		}
	}
	return grp.Wait()
}

func (p *Pool) clearKey(key AddressKey) {
	p.poolsMu.Lock()
	ap := p.pools[key.ChannelName][key]
	if ap != nil {
		delete(p.pools[key.ChannelName], key)
		if len(p.pools[key.ChannelName]) == 0 {
			delete(p.pools, key.ChannelName)
		}
	}
	delete(p.status, key)
	p.poolsMu.Unlock()
	if ap == nil {
		return
	}
	p.logger.Info("cleared pooled channels", zap.Stringer("address", key))
	ap.close()
	if !p.scheduler.run(func() { p.retire(ap) }) {
		p.retire(ap)
	}
}

// retire shuts down every channel of a discarded pool.
func (p *Pool) retire(ap *addressPool) {
	key := ap.key()
	p.metrics.channels.DeleteLabelValues(key.ChannelName, key.Target())
	var grp errgroup.Group
	for _, ch := range ap.channels() {
		grp.Go(func() error {
			p.shutdownChannel(key, ch)
			return nil
		})
	}
	_ = grp.Wait()
}

// resolve returns the address to use for name: the registered one, or an
// instance from the load balancer when discovery is enabled.
func (p *Pool) resolve(ctx context.Context, name string) (Address, bool) {
	registered, ok := p.AddressOf(name)
	if !ok {
		p.logger.Info("channel name not registered", append(header.Fields(ctx), zap.String("channel", name))...)
		return Address{}, false
	}
	if !registered.DiscoveryEnabled {
		return registered, true
	}
	address, ok := p.choose(ctx, name)
	if !ok {
		return Address{}, false
	}
	address.HealthCheckEnabled = registered.HealthCheckEnabled
	return address, true
}

// choose asks the load balancer for an instance of name. The status of the
// returned address is its current status in the pool.
func (p *Pool) choose(ctx context.Context, name string) (Address, bool) {
	if p.balancer == nil {
		p.logger.Warn("discovery enabled without a load balancer", zap.String("channel", name))
		return Address{}, false
	}
	instance, ok := p.balancer.Choose(ctx, name)
	if !ok {
		p.logger.Warn("load balancer has no instance", append(header.Fields(ctx), zap.String("channel", name))...)
		return Address{}, false
	}
	port, err := instance.GRPCPort()
	if err != nil {
		p.logger.Warn("load balancer instance has no usable gRPC port",
			append(header.Fields(ctx), zap.String("channel", name), zap.String("host", instance.Host), zap.Error(err))...)
		return Address{}, false
	}
	address := Address{
		ChannelName:      name,
		Host:             instance.Host,
		Port:             port,
		DiscoveryEnabled: true,
	}
	address.Status = p.statusOf(address.Key())
	return address, true
}

func (p *Pool) statusOf(key AddressKey) Status {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()
	return p.status[key]
}

func (p *Pool) markNotAvailable(key AddressKey) {
	p.poolsMu.Lock()
	p.status[key] = StatusNotAvailable
	p.poolsMu.Unlock()
	p.metrics.unavailable.WithLabelValues(key.ChannelName).Inc()
}

// isLive reports whether ap is still the pool stored for its address.
func (p *Pool) isLive(ap *addressPool) bool {
	key := ap.key()
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()
	return p.pools[key.ChannelName][key] == ap
}

func (p *Pool) lookupPool(key AddressKey) *addressPool {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()
	return p.pools[key.ChannelName][key]
}

// ensurePool returns the pool of address, creating it if needed. Creation
// for one address happens at most once at a time, and a caller that loses
// the race gets the pool its winner created. It returns nil if no channel
// could be built.
func (p *Pool) ensurePool(address Address) *addressPool {
	key := address.Key()
	if ap := p.lookupPool(key); ap != nil {
		return ap
	}
	result, _, _ := p.creating.Do(key.String(), func() (any, error) {
		if ap := p.lookupPool(key); ap != nil {
			return ap, nil
		}
		return p.createPool(address), nil
	})
	ap, _ := result.(*addressPool)
	return ap
}

func (p *Pool) createPool(address Address) *addressPool {
	key := address.Key()
	spec := p.specFor(address)
	ap := &addressPool{pool: p, address: address}
	for index := range p.maxChannels {
		ch, err := p.factory.Build(spec)
		if err != nil {
			p.logger.Error("failed to build pooled channel",
				zap.Stringer("address", key), zap.Int("slot", index), zap.Error(err))
			continue
		}
		s := &slot{}
		s.store(ch)
		ap.slots = append(ap.slots, s)
	}
	if len(ap.slots) == 0 {
		p.logger.Error("no channel could be built", zap.Stringer("address", key))
		return nil
	}

	p.poolsMu.Lock()
	if p.closed.Load() {
		p.poolsMu.Unlock()
		p.retire(ap)
		return nil
	}
	byAddress := p.pools[key.ChannelName]
	if byAddress == nil {
		byAddress = map[AddressKey]*addressPool{}
		p.pools[key.ChannelName] = byAddress
	}
	byAddress[key] = ap
	p.poolsMu.Unlock()

	p.metrics.channels.WithLabelValues(key.ChannelName, key.Target()).Set(float64(len(ap.slots)))
	p.logger.Debug("created channel pool", zap.Stringer("address", key), zap.Int("channels", len(ap.slots)))
	if address.HealthCheckEnabled {
		ap.startChecker(p.checker)
	}
	return ap
}

// specFor snapshots the interceptors and configurators of the address's
// channel name.
func (p *Pool) specFor(address Address) channel.Spec {
	p.registryMu.RLock()
	defer p.registryMu.RUnlock()
	return channel.Spec{
		Host:          address.Host,
		Port:          address.Port,
		Interceptors:  slices.Clone(p.interceptors[address.ChannelName]),
		Configurators: slices.Clone(p.configurators[address.ChannelName]),
	}
}

func (p *Pool) buildUnpooled(ctx context.Context, address Address) channel.Channel {
	ch, err := p.factory.Build(p.specFor(address))
	if err != nil {
		p.logger.Error("failed to build channel",
			append(header.Fields(ctx), zap.Stringer("address", address.Key()), zap.Error(err))...)
		return nil
	}
	return ch
}
