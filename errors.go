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

import "errors"

var (
	// ErrNoChannelAvailable is returned by a borrow when every channel of
	// the chosen address is unusable and rebuilding one also failed. The
	// address is marked StatusNotAvailable before it is returned.
	ErrNoChannelAvailable = errors.New("grpcpool: no channel is available")
	// ErrClosed is returned by operations on a pool after Shutdown.
	ErrClosed = errors.New("grpcpool: pool is shut down")
)
