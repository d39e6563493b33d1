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

import (
	"context"
	"io"
	"time"

	"github.com/bufbuild/grpcpool/internal"
)

// DefaultPollingInterval is how often a polling checker sweeps when no
// interval is configured.
const DefaultPollingInterval = 10 * time.Second

//nolint:gochecknoglobals
var (
	// NopChecker is a checker implementation that does nothing. Channels
	// are then only checked when they are borrowed.
	NopChecker Checker = nopChecker{}
)

// Checker manages background health checks. It creates one checking
// process per address pool. Each process can be independently stopped.
type Checker interface {
	// New creates a new health-checking process for the given pool.
	// The process should release resources (including stopping any goroutines)
	// when the given context is cancelled or the returned value is closed.
	//
	// The process must not call Sweep from this method; it must do so from
	// a goroutine.
	New(ctx context.Context, pool Sweeper) io.Closer
}

// Sweeper is the part of an address pool visible to a health check
// process.
type Sweeper interface {
	// Sweep inspects every slot and schedules repair of the ones holding
	// an unusable channel. It does not block on repairs.
	Sweep()
}

// PollingCheckerConfig configures a polling checker.
type PollingCheckerConfig struct {
	// Interval between sweeps. Defaults to DefaultPollingInterval.
	Interval time.Duration
}

// NewPollingChecker creates a checker that sweeps every pool on a fixed
// interval. The first sweep happens one interval after the process starts.
func NewPollingChecker(config PollingCheckerConfig) Checker {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	return &pollingChecker{
		interval: interval,
		clock:    internal.NewRealClock(),
	}
}

type pollingChecker struct {
	interval time.Duration
	clock    internal.Clock
}

func (c *pollingChecker) New(ctx context.Context, pool Sweeper) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingCheckerTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	ticker := c.clock.NewTicker(c.interval)
	go func() {
		defer close(task.doneSignal)
		defer cancel()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				pool.Sweep()
			}
		}
	}()
	return task
}

type pollingCheckerTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (t *pollingCheckerTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}

type nopChecker struct{}

func (nopChecker) New(context.Context, Sweeper) io.Closer {
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
