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

package internal

import (
	"hash/maphash"
	"math/rand"
	"sync"
)

// NewRand returns a *rand.Rand seeded from "hash/maphash", which draws on
// the runtime's per-thread RNG without locking. The returned value must not
// be shared between goroutines.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec // don't need cryptographic RNG
}

// NewLockedRand is like NewRand, but the returned value may be used from
// concurrent goroutines. Every selector draw in a pool goes through one of
// these, so nothing else linked into the program contends on its mutex.
func NewLockedRand() *rand.Rand {
	//nolint:forcetypeassert,errcheck // NewSource is documented to implement Source64
	src := rand.NewSource(randomSeed()).(rand.Source64)
	return rand.New(&lockedSource{src: src}) //nolint:gosec // don't need cryptographic RNG
}

// randomSeed comes from a Reddit thread on seeding rand.Rand cheaply:
//
//	https://www.reddit.com/r/golang/comments/m9b0yp/comment/grotn1f/
func randomSeed() int64 {
	var hash maphash.Hash
	return int64(hash.Sum64())
}

type lockedSource struct {
	mu sync.Mutex
	// +checklocks:mu
	src rand.Source64
}

func (l *lockedSource) Int63() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Int63()
}

func (l *lockedSource) Uint64() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Uint64()
}

func (l *lockedSource) Seed(seed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.src.Seed(seed)
}
