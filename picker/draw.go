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

package picker

import (
	"math/rand/v2"
	"slices"
)

// Draw draws slot indices uniformly at random without repetition. It is
// not safe for concurrent use; each borrow uses its own Draw.
type Draw struct {
	remaining []int
	intn      func(int) int
}

// NewDraw creates a Draw over the indices [0, n). If intn is nil, the
// package-level generator of math/rand/v2 is used. Otherwise intn(k) must
// return a value in [0, k).
func NewDraw(n int, intn func(int) int) *Draw {
	if intn == nil {
		intn = rand.IntN //nolint:gosec // does not need to be cryptographically secure
	}
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}
	return &Draw{remaining: remaining, intn: intn}
}

// Next removes one remaining index at random and returns it. It returns
// false once every index has been drawn.
func (d *Draw) Next() (int, bool) {
	if len(d.remaining) == 0 {
		return 0, false
	}
	pos := d.intn(len(d.remaining))
	index := d.remaining[pos]
	// Preserve the order of the rest so that a fixed intn gives a
	// reproducible sequence.
	d.remaining = slices.Delete(d.remaining, pos, pos+1)
	return index, true
}

// Len returns how many indices are left to draw. When it is zero right
// after Next, the index just drawn was the last one.
func (d *Draw) Len() int {
	return len(d.remaining)
}
