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
	"sync"
	"time"

	"github.com/bufbuild/grpcpool/internal"
)

// scheduler runs deferred tasks on the pool's clock. Stopping it cancels
// tasks that have not started and waits for the ones that have.
type scheduler struct {
	clock internal.Clock

	wg sync.WaitGroup
	mu sync.Mutex
	// +checklocks:mu
	pending map[*scheduledTask]struct{}
	// +checklocks:mu
	stopped bool
}

type scheduledTask struct {
	// guarded by scheduler.mu
	timer internal.Timer
}

func newScheduler(clock internal.Clock) *scheduler {
	return &scheduler{
		clock:   clock,
		pending: map[*scheduledTask]struct{}{},
	}
}

// after runs task once delay has elapsed. It returns false, without
// running task, if the scheduler is stopped.
func (s *scheduler) after(delay time.Duration, task func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	entry := &scheduledTask{}
	s.pending[entry] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	// The clock may run task right away, so the lock is not held here.
	timer := s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			task()
		}
		s.mu.Lock()
		delete(s.pending, entry)
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.timer = timer
	if s.stopped && timer.Stop() {
		delete(s.pending, entry)
		s.wg.Done()
	}
	return true
}

// run runs task in a new goroutine that stop waits for. It returns false,
// without running task, if the scheduler is stopped.
func (s *scheduler) run(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	entry := &scheduledTask{}
	s.pending[entry] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
		s.mu.Lock()
		delete(s.pending, entry)
		s.mu.Unlock()
	}()
	return true
}

// len returns the number of tasks scheduled and not yet finished.
func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	for entry := range s.pending {
		if entry.timer != nil && entry.timer.Stop() {
			delete(s.pending, entry)
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
