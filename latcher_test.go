// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/bufq"
)

// newLatchedPool builds a pool whose consumer is driven by a FrameLatcher.
func newLatchedPool(t *testing.T) (*bufq.Producer, *bufq.Consumer, *bufq.FrameLatcher, *recorder, *atomix.Int64) {
	t.Helper()
	p, c := testBuilder(t).MaxBufferCount(8).Build()
	var updates atomix.Int64
	l := bufq.NewFrameLatcher(c, func() { updates.Add(1) })
	if err := l.Connect(); err != nil {
		t.Fatalf("FrameLatcher.Connect: %v", err)
	}
	r := &recorder{}
	if _, err := p.Connect(r); err != nil {
		t.Fatalf("Producer.Connect: %v", err)
	}
	return p, c, l, r, &updates
}

// =============================================================================
// FrameLatcher
// =============================================================================

func TestLatcherMirrorsQueue(t *testing.T) {
	p, _, l, _, updates := newLatchedPool(t)

	produceAt(t, p, 10, 20, 30)
	if got := l.QueuedFrames(); got != 3 {
		t.Fatalf("QueuedFrames: got %d, want 3", got)
	}
	if got := l.HeadFrameNumber(); got != 1 {
		t.Fatalf("HeadFrameNumber: got %d, want 1", got)
	}
	if got := updates.Load(); got != 3 {
		t.Fatalf("onUpdate: got %d calls, want 3", got)
	}
	if !l.ShouldPresentNow(15) {
		t.Fatal("ShouldPresentNow(15): head at 10 is due")
	}
	if l.ShouldPresentNow(5) {
		t.Fatal("ShouldPresentNow(5): head at 10 is not due")
	}
}

func TestLatcherShouldPresentImplausible(t *testing.T) {
	p, _, l, _, _ := newLatchedPool(t)

	if l.ShouldPresentNow(1) {
		t.Fatal("ShouldPresentNow on an empty queue must be false")
	}
	produceAt(t, p, 5*second)
	if !l.ShouldPresentNow(1 * second) {
		t.Fatal("a timestamp beyond the window must be presented now")
	}
}

func TestLatcherLatch(t *testing.T) {
	p, c, l, r, _ := newLatchedPool(t)
	produceAt(t, p, 10, 20, 30)

	item, err := l.Latch(25)
	if err != nil {
		t.Fatalf("Latch(25): %v", err)
	}
	if item.FrameNumber != 2 || item.Buffer == nil {
		t.Fatalf("Latch(25): got frame %d buffer %v, want frame 2 with buffer", item.FrameNumber, item.Buffer)
	}
	if got := l.QueuedFrames(); got != 1 {
		t.Fatalf("QueuedFrames after latch: got %d, want 1", got)
	}
	if active, ok := l.Active(); !ok || active.FrameNumber != 2 {
		t.Fatalf("Active: got frame %d ok=%t, want frame 2", active.FrameNumber, ok)
	}

	if _, err := l.Latch(25); !errors.Is(err, bufq.ErrPresentLater) {
		t.Fatalf("Latch(25) on ts 30: got %v, want ErrPresentLater", err)
	}

	item, err = l.Latch(35)
	if err != nil {
		t.Fatalf("Latch(35): %v", err)
	}
	if item.FrameNumber != 3 {
		t.Fatalf("Latch(35): got frame %d, want 3", item.FrameNumber)
	}
	// One drop and one release of the previously latched frame
	if got := r.releasedCount(); got != 2 {
		t.Fatalf("OnBufferReleased: got %d calls, want 2", got)
	}
	if _, err := l.Latch(35); !errors.Is(err, bufq.ErrNoBufferAvailable) {
		t.Fatalf("Latch on empty: got %v, want ErrNoBufferAvailable", err)
	}
	checkConsistent(t, c)
}

func TestLatcherFillsCachedBuffers(t *testing.T) {
	p, _, l, _, _ := newLatchedPool(t)

	seen := map[int]*bufq.Buffer{}
	for i := range 12 {
		produceAt(t, p, int64(i+1))
		item, err := l.Latch(0)
		if err != nil {
			t.Fatalf("Latch(%d): %v", i, err)
		}
		if item.Buffer == nil {
			t.Fatalf("Latch(%d): slot %d without buffer", i, item.Slot)
		}
		if prev, ok := seen[item.Slot]; ok && prev != item.Buffer {
			t.Fatalf("Latch(%d): slot %d buffer changed", i, item.Slot)
		}
		seen[item.Slot] = item.Buffer
	}
}

func TestLatcherFencePending(t *testing.T) {
	p, _, l, _, _ := newLatchedPool(t)

	fence := bufq.NewFence()
	produce(t, p, bufq.QueueInput{Timestamp: 1, Fence: fence})
	if l.HeadFenceSignaled() {
		t.Fatal("HeadFenceSignaled: got true for a pending fence")
	}
	if _, err := l.Latch(0); !errors.Is(err, bufq.ErrFencePending) {
		t.Fatalf("Latch: got %v, want ErrFencePending", err)
	}

	fence.Signal()
	if _, err := l.Latch(0); err != nil {
		t.Fatalf("Latch after signal: %v", err)
	}
}

func TestLatcherDroppableHeadCountsAsSignaled(t *testing.T) {
	p, _, l, _, _ := newLatchedPool(t)

	produce(t, p, bufq.QueueInput{Timestamp: 1, Fence: bufq.NewFence(), Droppable: true})
	if !l.HeadFenceSignaled() {
		t.Fatal("droppable head must count as signalled")
	}
}

func TestLatcherReordersCallbacks(t *testing.T) {
	_, c := testBuilder(t).Build()
	l := bufq.NewFrameLatcher(c, nil)

	l.OnFrameAvailable(bufq.Item{FrameNumber: 2, Timestamp: 20})
	if got := l.QueuedFrames(); got != 0 {
		t.Fatalf("QueuedFrames with a gap: got %d, want 0", got)
	}
	l.OnFrameAvailable(bufq.Item{FrameNumber: 1, Timestamp: 10})
	if got := l.QueuedFrames(); got != 2 {
		t.Fatalf("QueuedFrames: got %d, want 2", got)
	}
	if got := l.HeadFrameNumber(); got != 1 {
		t.Fatalf("HeadFrameNumber: got %d, want 1", got)
	}

	l.OnFrameReplaced(bufq.Item{FrameNumber: 3, Timestamp: 30})
	if got := l.QueuedFrames(); got != 2 {
		t.Fatalf("QueuedFrames after replace: got %d, want 2", got)
	}
	if !l.ShouldPresentNow(15) {
		t.Fatal("ShouldPresentNow(15): head at 10 is due")
	}
}

func TestLatcherSetReleaseFence(t *testing.T) {
	p, _, l, _, _ := newLatchedPool(t)
	produceAt(t, p, 1)
	first, err := l.Latch(0)
	if err != nil {
		t.Fatalf("Latch: %v", err)
	}

	fence := bufq.NewFence()
	l.SetReleaseFence(fence)
	produceAt(t, p, 2)
	if _, err := l.Latch(0); err != nil {
		t.Fatalf("Latch: %v", err)
	}

	// The first buffer went back with the compositor's fence
	out, err := p.DequeueBuffer(t.Context(), bufq.DequeueInput{})
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if out.Slot != first.Slot || out.Fence != fence {
		t.Fatalf("dequeue: slot %d, want %d with the release fence", out.Slot, first.Slot)
	}
}

func TestLatcherClose(t *testing.T) {
	p, c, l, r, _ := newLatchedPool(t)
	produceAt(t, p, 1)
	if _, err := l.Latch(0); err != nil {
		t.Fatalf("Latch: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := r.releasedCount(); got != 1 {
		t.Fatalf("OnBufferReleased: got %d calls, want 1", got)
	}
	if _, err := c.AcquireBuffer(0, 0); !errors.Is(err, bufq.ErrAbandoned) {
		t.Fatalf("AcquireBuffer after Close: got %v, want ErrAbandoned", err)
	}
	if err := l.Close(); !errors.Is(err, bufq.ErrInvalidOperation) {
		t.Fatalf("second Close: got %v, want ErrInvalidOperation", err)
	}
}
