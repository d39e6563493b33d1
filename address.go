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
	"fmt"
	"net"
	"strconv"
)

// Status is the health of an address as seen by the pool.
type Status int

const (
	// StatusHealthy addresses are borrowed from normally.
	StatusHealthy Status = iota
	// StatusNotAvailable addresses had every channel fail, including a
	// last-resort rebuild. They are skipped until cleared.
	StatusNotAvailable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusNotAvailable:
		return "not available"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// AddressKey is the identity of an address. Addresses with equal keys
// share one set of pooled channels.
type AddressKey struct {
	ChannelName string
	Host        string
	Port        int
}

// Target returns the "host:port" to dial.
func (k AddressKey) Target() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k AddressKey) String() string {
	return k.ChannelName + "@" + k.Target()
}

// Address is one remote endpoint of a logical channel name, together with
// how the pool should treat it.
type Address struct {
	// ChannelName is the logical service name. It groups the addresses of
	// one service and keys its interceptors and custom configuration.
	ChannelName string
	Host        string
	Port        int
	// DiscoveryEnabled addresses are resolved through the load balancer on
	// every borrow and may fail over to other instances. Otherwise Host
	// and Port are dialed directly.
	DiscoveryEnabled bool
	// HealthCheckEnabled turns on background sweeps of the address's pool.
	// Channels are checked on every borrow regardless.
	HealthCheckEnabled bool
	// Status is a snapshot. The pool owns the live value.
	Status Status
}

// Key returns the address's identity.
func (a Address) Key() AddressKey {
	return AddressKey{ChannelName: a.ChannelName, Host: a.Host, Port: a.Port}
}

func (a Address) String() string {
	return a.Key().String()
}
