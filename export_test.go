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
	"github.com/bufbuild/grpcpool/internal"
)

func SetClock(p *Pool, clock internal.Clock) {
	p.clock = clock
	p.scheduler.clock = clock
}

func SetPickerRand(p *Pool, intn func(int) int) {
	p.intn = intn
}

// PendingTasks returns the number of deferred repairs and clears that are
// scheduled or running.
func PendingTasks(p *Pool) int {
	return p.scheduler.len()
}

// PoolChannels returns the channels currently in the slots of the pool
// for key, or nil if there is no such pool.
func PoolChannels(p *Pool, key AddressKey) []channel.Channel {
	ap := p.lookupPool(key)
	if ap == nil {
		return nil
	}
	channels := make([]channel.Channel, len(ap.slots))
	for i, slot := range ap.slots {
		channels[i] = slot.load()
	}
	return channels
}

func KnownAddresses(p *Pool, name string) int {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()
	return len(p.pools[name])
}

// Repair replaces old in slot index of the pool for key, as a deferred
// repair would.
func Repair(p *Pool, key AddressKey, index int, old channel.Channel) channel.Channel {
	return p.repair(p.lookupPool(key), index, old, modeDeferred)
}
