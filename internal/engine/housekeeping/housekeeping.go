// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package housekeeping runs the engine's three background sweeps: stream
// trimming, stream delete-on-empty, and basin deletion. Each sweep is a
// bounded-concurrency fan-out over one page of candidates per tick,
// reporting whether more work remains so the scheduler can run the next
// tick immediately instead of waiting out the backoff interval.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"streamlite/internal/engine/backend"
	"streamlite/internal/telemetry"
)

// maxConcurrency bounds how many candidates within one page a sweep
// processes at once, matching the spec's "bounded concurrency fan-out".
const maxConcurrency = 4

// Intervals configures how often each loop ticks when it has no more
// immediate work to do.
type Intervals struct {
	Trim          time.Duration
	DeleteOnEmpty time.Duration
	BasinDeletion time.Duration
}

// DefaultIntervals matches the spec's "scan periodically, re-run
// immediately on has_more" framing with a modest idle backoff.
func DefaultIntervals() Intervals {
	return Intervals{
		Trim:          5 * time.Second,
		DeleteOnEmpty: 10 * time.Second,
		BasinDeletion: 15 * time.Second,
	}
}

// Loops owns the three background sweeps and their lifecycle.
type Loops struct {
	backend   *backend.Backend
	intervals Intervals
	stopChan  chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func New(b *backend.Backend, intervals Intervals) *Loops {
	return &Loops{backend: b, intervals: intervals, stopChan: make(chan struct{})}
}

// Start launches the three sweep goroutines.
func (l *Loops) Start() {
	l.wg.Add(3)
	go l.run("trim", l.intervals.Trim, l.runTrimCycle)
	go l.run("doe", l.intervals.DeleteOnEmpty, l.runDoeCycle)
	go l.run("basin_deletion", l.intervals.BasinDeletion, l.runBasinDeletionCycle)
}

// Stop signals every sweep goroutine to exit and waits for them.
func (l *Loops) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

// run drives one sweep: tick on interval, but re-invoke immediately
// (without waiting out the interval) whenever a cycle reports hasMore.
func (l *Loops) run(name string, interval time.Duration, cycle func(context.Context) (bool, error)) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		for {
			hasMore, err := l.observeCycle(name, cycle)
			if err != nil {
				telemetry.Errorf("housekeeping: %s sweep failed: %v", name, err)
				return
			}
			if !hasMore {
				return
			}
			select {
			case <-l.stopChan:
				return
			default:
			}
		}
	}

	for {
		select {
		case <-ticker.C:
			tick()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Loops) observeCycle(name string, cycle func(context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	ctx := context.Background()
	hasMore, err := cycle(ctx)
	telemetry.HousekeepingSweepsTotal.WithLabelValues(name).Inc()
	telemetry.HousekeepingSweepSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return hasMore, err
}

// boundedForEach runs worker over items with at most maxConcurrency in
// flight at once, returning the first error encountered (every worker
// still gets a chance to run; errors from the rest are logged, not lost
// silently, but only the first is returned to the caller).
func boundedForEach[T any](items []T, worker func(T) error) error {
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := worker(item); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				} else {
					telemetry.Warnf("housekeeping: worker error: %v", err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
