// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package jitter provides a ticker whose interval is randomised around a
// base duration.
package jitter

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// Ticker is a ticker.Ticker that fires at a random interval in
// [duration*(1-scaler), duration*(1+scaler)].
type Ticker struct {
	// c receives ticks. Sends are non-blocking so a slow reader only ever
	// sees the latest tick.
	c chan time.Time

	// duration is the base interval.
	duration time.Duration

	// min and max bound the random interval, in nanoseconds.
	min int64
	max int64

	mu      sync.Mutex
	active  bool
	pause   chan struct{}
	wg      sync.WaitGroup
	quit    chan struct{}
	stopped bool
}

// A compile-time assertion to ensure Ticker satisfies ticker.Ticker.
var _ ticker.Ticker = (*Ticker)(nil)

// New returns a paused jitter ticker. Call Resume to start it.
//
// NOTE: scaler must not be negative.
func New(d time.Duration, scaler float64) *Ticker {
	min, max := calculateMinMax(d, scaler)

	return &Ticker{
		c:        make(chan time.Time, 1),
		duration: d,
		min:      min,
		max:      max,
		quit:     make(chan struct{}),
	}
}

// calculateMinMax returns the bounds of the random interval. A negative
// lower bound is clamped to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))
	if min < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// Ticks returns the channel ticks are delivered on.
func (t *Ticker) Ticks() <-chan time.Time {
	return t.c
}

// Resume starts or restarts delivery of ticks.
func (t *Ticker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active || t.stopped {
		return
	}

	t.active = true
	t.pause = make(chan struct{})

	t.wg.Add(1)
	go t.run(t.pause)
}

// Pause suspends delivery of ticks until Resume is called.
func (t *Ticker) Pause() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	close(t.pause)
	t.mu.Unlock()

	t.wg.Wait()
}

// Stop shuts the ticker down permanently.
func (t *Ticker) Stop() {
	t.Pause()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stopped {
		t.stopped = true
		close(t.quit)
	}
}

// run is the tick loop. It exits when pause or quit is closed.
func (t *Ticker) run(pause chan struct{}) {
	defer t.wg.Done()

	timer := time.NewTimer(t.rand())
	defer timer.Stop()

	for {
		select {
		case now := <-timer.C:
			timer.Reset(t.rand())

			select {
			case t.c <- now:
			default:
			}

		case <-pause:
			return

		case <-t.quit:
			return
		}
	}
}

// rand returns a random duration between min and max.
func (t *Ticker) rand() time.Duration {
	if t.max == t.min {
		return t.duration
	}

	d := rand.Int63n(t.max-t.min) + t.min //nolint:gosec
	return time.Duration(d)
}
