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

// Package resolver provides the load balancer boundary of a grpcpool.Pool.
//
// A pool asks a [LoadBalancer] which instance of a logical service to use
// whenever a name is registered with discovery enabled, and again during
// failover when the chosen address stops working. The balancer owns the
// routing policy (weights, canaries, gray releases); the pool only consumes
// its answer. An [Instance] must carry its gRPC port in the metadata entry
// named by [PortMetadataKey].
//
// # Built-in Balancers
//
// [NewStatic] round-robins over a fixed set of instances per service.
// [NewPollingBalancer] keeps one background task per service that
// periodically asks a [Prober] for the current instances. The one prober
// included uses DNS via a [net.Resolver]; see [NewDNSBalancer].
//
// Both built-in balancers honor version routing: if the request header in
// the context (see package header) carries a tag, instances whose
// [VersionMetadataKey] metadata equals the tag are preferred.
package resolver
