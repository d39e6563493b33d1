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
	"sync/atomic"

	"github.com/bufbuild/grpcpool/internal"
)

// NewStatic returns a load balancer over a fixed set of instances per
// service name. Each service's rotation starts at a random instance.
func NewStatic(services map[string][]Instance) LoadBalancer {
	rnd := internal.NewRand()
	balancer := &staticBalancer{services: make(map[string]*staticService, len(services))}
	for name, instances := range services {
		if len(instances) == 0 {
			continue
		}
		service := &staticService{instances: append([]Instance(nil), instances...)}
		service.next.Store(uint64(rnd.Intn(len(instances))))
		balancer.services[name] = service
	}
	return balancer
}

type staticBalancer struct {
	services map[string]*staticService
}

type staticService struct {
	instances []Instance
	next      atomic.Uint64
}

func (b *staticBalancer) Choose(ctx context.Context, serviceName string) (Instance, bool) {
	service, ok := b.services[serviceName]
	if !ok {
		return Instance{}, false
	}
	return roundRobin(ctx, service.instances, &service.next)
}
