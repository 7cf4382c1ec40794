// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"context"
	"math"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// SignalTimePending is returned by SignalTime for a fence that has not
// signalled yet.
const SignalTimePending = math.MaxInt64

// fenceSpinLimit bounds the spin phase of Wait before it falls back to
// adaptive backoff.
const fenceSpinLimit = 64

var epoch = time.Now()

// Now returns the current monotonic time in nanoseconds.
// Values are always positive. Timestamps, expected present times and fence
// signal times share this clock.
func Now() int64 {
	return int64(time.Since(epoch)) + 1
}

// Fence signals completion of an asynchronous read or write on a buffer.
//
// The engine stores and hands over fences but never waits on them. A Fence
// signals at most once; the zero value is a pending fence.
type Fence struct {
	state atomix.Uint64 // 0 while pending, signal time + 1 afterwards
}

// NoFence is an already signalled fence, used where no synchronization is
// needed.
var NoFence = signaledFence()

func signaledFence() *Fence {
	f := &Fence{}
	f.state.StoreRelease(1)
	return f
}

// NewFence returns a pending fence.
func NewFence() *Fence {
	return &Fence{}
}

// Signal marks the fence complete. It reports false if the fence had
// already signalled.
func (f *Fence) Signal() bool {
	return f.state.CompareAndSwapAcqRel(0, uint64(Now())+1)
}

// Signaled reports whether the fence has signalled.
func (f *Fence) Signaled() bool {
	return f.state.LoadAcquire() != 0
}

// SignalTime returns the time the fence signalled, or SignalTimePending.
func (f *Fence) SignalTime() int64 {
	v := f.state.LoadAcquire()
	if v == 0 {
		return SignalTimePending
	}
	return int64(v - 1)
}

// Wait blocks until the fence signals or ctx is done.
// It spins briefly, then backs off adaptively.
func (f *Fence) Wait(ctx context.Context) error {
	sw := spin.Wait{}
	for range fenceSpinLimit {
		if f.Signaled() {
			return nil
		}
		sw.Once()
	}

	backoff := iox.Backoff{}
	for !f.Signaled() {
		if err := ctx.Err(); err != nil {
			return err
		}
		backoff.Wait()
	}
	return nil
}
