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
	"io"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/grpcpool/channel"
	"github.com/bufbuild/grpcpool/health"
	"go.uber.org/zap"
)

// addressPool holds the channels of one address. The slots slice is fixed
// at creation; only the channel inside a slot is ever replaced.
type addressPool struct {
	pool    *Pool
	address Address
	slots   []*slot
	closed  atomic.Bool

	checkerMu sync.Mutex
	// +checklocks:checkerMu
	checker io.Closer
}

type slot struct {
	// serializes replacement of this slot
	mu      sync.Mutex
	current atomic.Pointer[pooledChannel]
	// set while a deferred repair is scheduled or running
	repairing atomic.Bool
}

type pooledChannel struct {
	ch channel.Channel
}

func (s *slot) load() channel.Channel {
	if pooled := s.current.Load(); pooled != nil {
		return pooled.ch
	}
	return nil
}

func (s *slot) store(ch channel.Channel) {
	s.current.Store(&pooledChannel{ch: ch})
}

func (ap *addressPool) key() AddressKey {
	return ap.address.Key()
}

// Sweep implements health.Sweeper.
func (ap *addressPool) Sweep() {
	if ap.closed.Load() {
		return
	}
	for index, slot := range ap.slots {
		ch := slot.load()
		if ch != nil && health.Usable(ch.State()) {
			continue
		}
		ap.pool.logger.Debug("health sweep found unusable channel",
			zap.Stringer("address", ap.key()), zap.Int("slot", index))
		ap.pool.scheduleRepair(ap, index, ch)
	}
}

// indexOf returns the slot holding ch, or -1.
func (ap *addressPool) indexOf(ch channel.Channel) int {
	for index, slot := range ap.slots {
		if slot.load() == ch {
			return index
		}
	}
	return -1
}

func (ap *addressPool) startChecker(checker health.Checker) {
	ap.checkerMu.Lock()
	defer ap.checkerMu.Unlock()
	if ap.closed.Load() {
		return
	}
	ap.checker = checker.New(ap.pool.rootCtx, ap)
}

// close stops background checks. Repairs that are already scheduled see
// the pool closed and leave the slots alone.
func (ap *addressPool) close() {
	ap.closed.Store(true)
	ap.checkerMu.Lock()
	checker := ap.checker
	ap.checker = nil
	ap.checkerMu.Unlock()
	if checker != nil {
		if err := checker.Close(); err != nil {
			ap.pool.logger.Warn("failed to stop health check",
				zap.Stringer("address", ap.key()), zap.Error(err))
		}
	}
}

// channels returns the channel of every slot. It waits for replacements in
// progress, so after close it sees the final channels.
func (ap *addressPool) channels() []channel.Channel {
	channels := make([]channel.Channel, 0, len(ap.slots))
	for _, slot := range ap.slots {
		slot.mu.Lock()
		ch := slot.load()
		slot.mu.Unlock()
		if ch != nil {
			channels = append(channels, ch)
		}
	}
	return channels
}
