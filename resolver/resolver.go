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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/bufbuild/grpcpool/header"
)

const (
	// PortMetadataKey is the instance metadata entry holding the port that
	// serves gRPC. Instances without it cannot be pooled.
	PortMetadataKey = "gRPC.port"
	// VersionMetadataKey is the instance metadata entry compared against
	// the request header's tag.
	VersionMetadataKey = "version"
)

// ErrMissingPort is returned by Instance.GRPCPort when the instance has no
// PortMetadataKey entry.
var ErrMissingPort = errors.New("instance metadata has no " + PortMetadataKey + " entry")

// LoadBalancer selects one instance of a logical service.
type LoadBalancer interface {
	// Choose returns an instance of the named service. It returns false if
	// the service has no instance to offer. Implementations must be safe
	// for concurrent use.
	Choose(ctx context.Context, serviceName string) (Instance, bool)
}

// LoadBalancerFunc adapts a function to the LoadBalancer interface.
type LoadBalancerFunc func(ctx context.Context, serviceName string) (Instance, bool)

// Choose implements LoadBalancer.
func (f LoadBalancerFunc) Choose(ctx context.Context, serviceName string) (Instance, bool) {
	return f(ctx, serviceName)
}

// Instance is one registered server of a service.
type Instance struct {
	Host string
	// Port is the instance's primary (usually HTTP) port. The gRPC port
	// is in Metadata.
	Port     int
	Metadata map[string]string
}

// GRPCPort returns the port from the PortMetadataKey metadata entry.
func (i Instance) GRPCPort() (int, error) {
	raw, ok := i.Metadata[PortMetadataKey]
	if !ok || raw == "" {
		return 0, ErrMissingPort
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid %s %q for instance %s", PortMetadataKey, raw, i.Host)
	}
	return port, nil
}

// roundRobin picks the next instance after filtering by the tag of the
// request header in ctx. If no instance matches the tag, all instances are
// eligible.
func roundRobin(ctx context.Context, instances []Instance, counter *atomic.Uint64) (Instance, bool) {
	instances = preferTagged(ctx, instances)
	if len(instances) == 0 {
		return Instance{}, false
	}
	next := counter.Add(1) - 1
	return instances[next%uint64(len(instances))], true
}

func preferTagged(ctx context.Context, instances []Instance) []Instance {
	hdr, ok := header.FromContext(ctx)
	if !ok || hdr.Tag == "" {
		return instances
	}
	var tagged []Instance
	for _, instance := range instances {
		if instance.Metadata[VersionMetadataKey] == hdr.Tag {
			tagged = append(tagged, instance)
		}
	}
	if len(tagged) == 0 {
		return instances
	}
	return tagged
}
