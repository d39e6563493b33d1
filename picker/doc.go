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

// Package picker provides functionality for picking a slot of an address
// pool. This is used by a grpcpool.Pool to select a channel for a borrow.
//
// A [Draw] yields every slot index of a pool in random order, visiting each
// index at most once. The pool inspects the channel at each drawn index
// and stops at the first usable one, so a borrow costs one probe per
// unusable channel it meets rather than a fixed retry budget, and a pool
// of n slots is never probed more than n times.
package picker
