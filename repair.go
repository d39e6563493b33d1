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
	"github.com/bufbuild/grpcpool/channel"
	"go.uber.org/zap"
)

// scheduleRepair replaces the channel in slot index of ap after the repair
// delay. At most one deferred repair per slot is outstanding.
func (p *Pool) scheduleRepair(ap *addressPool, index int, old channel.Channel) {
	s := ap.slots[index]
	if !s.repairing.CompareAndSwap(false, true) {
		return
	}
	scheduled := p.scheduler.after(p.repairDelay, func() {
		defer s.repairing.Store(false)
		p.repair(ap, index, old, modeDeferred)
	})
	if !scheduled {
		s.repairing.Store(false)
	}
}

// repair shuts down old, then installs a new channel in slot index of ap
// if the slot still holds a shut down channel. It returns the channel in
// the slot afterwards, or nil if the slot could not be refilled.
//
// Racing repairs of one slot rebuild it once: the losers find the slot
// already holding a live channel and return it.
func (p *Pool) repair(ap *addressPool, index int, old channel.Channel, mode string) channel.Channel {
	key := ap.key()
	if old != nil && !old.IsShutdown() {
		p.shutdownChannel(key, old)
	}

	s := ap.slots[index]
	if current := s.load(); current != nil && !current.IsShutdown() {
		p.metrics.repairs.WithLabelValues(mode, resultSkipped).Inc()
		return current
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.load(); current != nil && !current.IsShutdown() {
		p.metrics.repairs.WithLabelValues(mode, resultSkipped).Inc()
		return current
	}
	// The pool may have been cleared while this repair waited; building
	// now would resurrect a discarded entry.
	if ap.closed.Load() || !p.isLive(ap) {
		p.metrics.repairs.WithLabelValues(mode, resultAbandoned).Inc()
		return nil
	}
	fresh, err := p.factory.Build(p.specFor(ap.address))
	if err != nil {
		p.logger.Error("failed to replace channel",
			zap.Stringer("address", key), zap.Int("slot", index), zap.String("mode", mode), zap.Error(err))
		p.metrics.repairs.WithLabelValues(mode, resultFailed).Inc()
		return nil
	}
	s.store(fresh)
	p.metrics.repairs.WithLabelValues(mode, resultReplaced).Inc()
	p.logger.Debug("replaced channel",
		zap.Stringer("address", key), zap.Int("slot", index), zap.String("mode", mode))
	return fresh
}

// shutdownChannel shuts ch down gracefully, forcing it if that times out.
// Failures are logged only.
func (p *Pool) shutdownChannel(key AddressKey, ch channel.Channel) {
	if ch.Shutdown(p.shutdownTimeout) {
		return
	}
	p.logger.Warn("graceful channel shutdown timed out, forcing",
		zap.Stringer("address", key), zap.Duration("timeout", p.shutdownTimeout))
	if !ch.ShutdownNow(p.shutdownTimeout) {
		p.logger.Error("forced channel shutdown timed out",
			zap.Stringer("address", key), zap.Duration("timeout", p.shutdownTimeout))
	}
}
