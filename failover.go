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

	"github.com/bufbuild/grpcpool/header"
	"go.uber.org/zap"
)

// failover looks for another address of unavailable's channel name. Only
// the load balancer may pick the alternative, so its routing rules still
// apply; the pool never substitutes one of its own addresses. A candidate
// is accepted only if it differs from unavailable, already has a pool, and
// was not marked not available when failover started.
//
// The load balancer is asked at most min(known addresses, max failover
// attempts) times.
func (p *Pool) failover(ctx context.Context, unavailable Address) (Address, bool) {
	name := unavailable.ChannelName
	p.poolsMu.RLock()
	known := make(map[AddressKey]Status, len(p.pools[name]))
	for key := range p.pools[name] {
		known[key] = p.status[key]
	}
	p.poolsMu.RUnlock()
	if len(known) == 0 {
		p.logger.Warn("no known addresses to fail over to",
			append(header.Fields(ctx), zap.Stringer("address", unavailable.Key()))...)
		p.metrics.failovers.WithLabelValues(resultExhausted).Inc()
		return Address{}, false
	}

	attempts := min(len(known), p.maxFailover)
	for range attempts {
		candidate, ok := p.choose(ctx, name)
		if !ok {
			continue
		}
		key := candidate.Key()
		if key == unavailable.Key() {
			continue
		}
		status, isKnown := known[key]
		if !isKnown || status == StatusNotAvailable {
			continue
		}
		p.logger.Info("failed over to another address",
			append(header.Fields(ctx), zap.Stringer("from", unavailable.Key()), zap.Stringer("to", key))...)
		p.metrics.failovers.WithLabelValues(resultSwitched).Inc()
		candidate.HealthCheckEnabled = unavailable.HealthCheckEnabled
		return candidate, true
	}

	p.logger.Warn("failover found no available address",
		append(header.Fields(ctx), zap.Stringer("address", unavailable.Key()), zap.Int("attempts", attempts))...)
	p.metrics.failovers.WithLabelValues(resultExhausted).Inc()
	if refresher, ok := p.balancer.(interface{ ResolveNow(string) }); ok {
		refresher.ResolveNow(name)
	}
	return Address{}, false
}
