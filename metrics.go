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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK        = "ok"
	resultAbsent    = "absent"
	resultError     = "error"
	resultReplaced  = "replaced"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
	resultAbandoned = "abandoned"
	resultSwitched  = "switched"
	resultExhausted = "exhausted"

	modeDeferred  = "deferred"
	modeImmediate = "immediate"
)

type metrics struct {
	borrows     *prometheus.CounterVec
	repairs     *prometheus.CounterVec
	failovers   *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	channels    *prometheus.GaugeVec
}

// newMetrics creates the pool's collectors. A nil registerer leaves them
// unregistered.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		borrows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcpool_borrows_total",
				Help: "Borrow calls by outcome: ok, absent or error.",
			},
			[]string{"result"},
		),
		repairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcpool_repairs_total",
				Help: "Channel repairs by mode (deferred, immediate) and outcome.",
			},
			[]string{"mode", "result"},
		),
		failovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcpool_failovers_total",
				Help: "Failovers away from unavailable addresses by outcome.",
			},
			[]string{"result"},
		),
		unavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcpool_unavailable_addresses_total",
				Help: "Addresses marked not available, by channel name.",
			},
			[]string{"channel"},
		),
		channels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grpcpool_channels",
				Help: "Pooled channels per address.",
			},
			[]string{"channel", "address"},
		),
	}
}
