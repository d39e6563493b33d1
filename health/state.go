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

package health

import "google.golang.org/grpc/connectivity"

// Usable reports whether a channel in the given state may be handed to a
// caller. Idle channels count as usable because they connect on their
// first call.
func Usable(state connectivity.State) bool {
	switch state {
	case connectivity.Ready, connectivity.Idle:
		return true
	case connectivity.Connecting, connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return false
	}
}
