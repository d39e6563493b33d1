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

// Package health classifies channel liveness and provides background health
// checking for a grpcpool.Pool.
//
// Liveness is read straight from the transport: [Usable] reports whether a
// connectivity state can serve calls. Every borrow checks the liveness of the
// channel it returns, so background checking is optional. When enabled for an
// address, a [Checker] process periodically asks the address's pool to
// [Sweeper.Sweep] its slots, which schedules repair of any channel that is
// not usable. The default implementation polls on a fixed interval.
package health
