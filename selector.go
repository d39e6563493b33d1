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
	"fmt"

	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/header"
	"github.com/bufbuild/grpcpool/health"
	"github.com/bufbuild/grpcpool/picker"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// borrowAddress borrows from the pool of address, failing over first if
// the address is not available.
func (p *Pool) borrowAddress(ctx context.Context, address Address) (channel.Channel, error) {
	if p.statusOf(address.Key()) == StatusNotAvailable {
		if !address.DiscoveryEnabled {
			p.logger.Warn("address not available",
				append(header.Fields(ctx), zap.Stringer("address", address.Key()))...)
			p.metrics.borrows.WithLabelValues(resultAbsent).Inc()
			return nil, nil
		}
		alternative, ok := p.failover(ctx, address)
		if !ok {
			p.metrics.borrows.WithLabelValues(resultAbsent).Inc()
			return nil, nil
		}
		address = alternative
	}
	ap := p.ensurePool(address)
	if ap == nil {
		p.metrics.borrows.WithLabelValues(resultAbsent).Inc()
		return nil, nil
	}
	ch, err := p.selectChannel(ctx, ap)
	switch {
	case err != nil:
		p.metrics.borrows.WithLabelValues(resultError).Inc()
	case ch == nil:
		p.metrics.borrows.WithLabelValues(resultAbsent).Inc()
	default:
		p.metrics.borrows.WithLabelValues(resultOK).Inc()
	}
	return ch, err
}

// selectChannel probes the slots of ap in random order, each at most once,
// and returns the first usable channel. Unusable channels met on the way
// get a deferred repair. If the last slot probed is unusable too, it is
// repaired inline and the rebuilt channel is returned if usable; otherwise
// the address is marked not available.
func (p *Pool) selectChannel(ctx context.Context, ap *addressPool) (channel.Channel, error) {
	draw := picker.NewDraw(len(ap.slots), p.intn)
	for {
		index, ok := draw.Next()
		if !ok {
			return nil, nil
		}
		ch := ap.slots[index].load()
		state := connectivity.Shutdown
		if ch != nil {
			state = ch.State()
		}
		if health.Usable(state) {
			return ch, nil
		}
		if draw.Len() > 0 {
			p.scheduleRepair(ap, index, ch)
			continue
		}

		key := ap.key()
		p.logger.Warn("no usable channel, rebuilding inline",
			append(header.Fields(ctx), zap.Stringer("address", key), zap.Int("slot", index), zap.Stringer("state", state))...)
		fresh := p.repair(ap, index, ch, modeImmediate)
		if fresh != nil && health.Usable(fresh.State()) {
			return fresh, nil
		}
		p.markNotAvailable(key)
		p.logger.Error("address marked not available",
			append(header.Fields(ctx), zap.Stringer("address", key))...)
		return nil, fmt.Errorf("%w: %s", ErrNoChannelAvailable, key)
	}
}
