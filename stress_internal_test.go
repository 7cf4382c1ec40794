// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fastrand"
)

// =============================================================================
// Randomized Operation Sequences
// =============================================================================

// TestRandomOperations drives one pool with random producer and consumer
// calls and checks the invariants after every call.
func TestRandomOperations(t *testing.T) {
	const steps = 20000

	p, c := New().MaxBufferCount(6).MaxAcquired(2).Build()
	if err := c.Connect(ConsumerListenerFuncs{}, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := p.Connect(nil); err != nil {
		t.Fatalf("Producer.Connect: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	var (
		dequeued []int
		acquired []Item
		detached []*Buffer
		clock    int64
	)
	limit := c.core.maxAcquired + c.core.acquireOverflow

	for step := range steps {
		switch op := fastrand.Uint32n(9); op {
		case 0, 1: // dequeue without blocking
			out, err := p.DequeueBuffer(canceled, DequeueInput{})
			if err == nil {
				if out.Flags&BufferNeedsRequest != 0 {
					if _, err := p.RequestBuffer(out.Slot); err != nil {
						t.Fatalf("step %d: RequestBuffer: %v", step, err)
					}
				}
				dequeued = append(dequeued, out.Slot)
			} else if !errors.Is(err, ErrTimedOut) && !errors.Is(err, ErrInvalidOperation) {
				t.Fatalf("step %d: DequeueBuffer: %v", step, err)
			}
		case 2, 3: // queue
			if len(dequeued) == 0 {
				continue
			}
			i := int(fastrand.Uint32n(uint32(len(dequeued))))
			slot := dequeued[i]
			dequeued = append(dequeued[:i], dequeued[i+1:]...)
			clock += int64(fastrand.Uint32n(20))
			in := QueueInput{
				Timestamp: clock,
				Fence:     NoFence,
				Droppable: fastrand.Uint32n(4) == 0,
			}
			if _, err := p.QueueBuffer(slot, in); err != nil {
				t.Fatalf("step %d: QueueBuffer(%d): %v", step, slot, err)
			}
		case 4: // cancel
			if len(dequeued) == 0 {
				continue
			}
			slot := dequeued[len(dequeued)-1]
			dequeued = dequeued[:len(dequeued)-1]
			if err := p.CancelBuffer(slot, NoFence); err != nil {
				t.Fatalf("step %d: CancelBuffer(%d): %v", step, slot, err)
			}
		case 5, 6: // acquire with a random present time
			var expected int64
			if fastrand.Uint32n(2) == 0 {
				expected = clock - int64(fastrand.Uint32n(40))
			}
			item, err := c.AcquireBuffer(expected, 0)
			switch {
			case err == nil:
				acquired = append(acquired, item)
			case IsWouldBlock(err), errors.Is(err, ErrInvalidOperation):
			default:
				t.Fatalf("step %d: AcquireBuffer: %v", step, err)
			}
		case 7: // release, sometimes with a stale frame number
			if len(acquired) == 0 {
				continue
			}
			i := int(fastrand.Uint32n(uint32(len(acquired))))
			item := acquired[i]
			if fastrand.Uint32n(8) == 0 {
				if err := c.ReleaseBuffer(item.Slot, item.FrameNumber+1, NoFence); !errors.Is(err, ErrStaleBufferSlot) {
					t.Fatalf("step %d: stale release: got %v", step, err)
				}
				continue
			}
			acquired = append(acquired[:i], acquired[i+1:]...)
			if err := c.ReleaseBuffer(item.Slot, item.FrameNumber, NoFence); err != nil && !IsStale(err) {
				t.Fatalf("step %d: ReleaseBuffer(%d, %d): %v", step, item.Slot, item.FrameNumber, err)
			}
		case 8: // detach or re-attach
			if len(detached) > 0 && fastrand.Uint32n(2) == 0 {
				buf := detached[len(detached)-1]
				slot, err := c.AttachBuffer(buf)
				switch {
				case err == nil:
					detached = detached[:len(detached)-1]
					acquired = append(acquired, Item{Slot: slot, Buffer: buf})
				case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrNoMemory):
				default:
					t.Fatalf("step %d: AttachBuffer: %v", step, err)
				}
				continue
			}
			if len(acquired) == 0 {
				continue
			}
			item := acquired[len(acquired)-1]
			acquired = acquired[:len(acquired)-1]
			buf, err := c.DetachBuffer(item.Slot)
			if err != nil {
				t.Fatalf("step %d: DetachBuffer(%d): %v", step, item.Slot, err)
			}
			if buf != nil {
				detached = append(detached, buf)
			}
		}

		if err := c.CheckConsistency(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		c.core.mu.Lock()
		n := c.core.countLocked(SlotAcquired)
		c.core.mu.Unlock()
		if n > limit {
			t.Fatalf("step %d: %d buffers acquired, limit %d", step, n, limit)
		}
		if n != len(acquired) {
			t.Fatalf("step %d: pool holds %d acquired slots, test holds %d", step, n, len(acquired))
		}
	}
}

// =============================================================================
// Concurrent Producer and Consumer
// =============================================================================

func TestConcurrentProducerConsumer(t *testing.T) {
	if RaceEnabled {
		t.Skip("skip: atomix counters and fences trigger race detector false positives")
	}
	const frames = 5000

	p, c := New().MaxBufferCount(4).MaxAcquired(1).Debug().Build()
	if err := c.Connect(ConsumerListenerFuncs{}, false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := p.Connect(nil); err != nil {
		t.Fatalf("Producer.Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range frames {
			out, err := p.DequeueBuffer(ctx, DequeueInput{})
			if err != nil {
				errs <- err
				return
			}
			if out.Flags&BufferNeedsRequest != 0 {
				if _, err := p.RequestBuffer(out.Slot); err != nil {
					errs <- err
					return
				}
			}
			if err := out.Fence.Wait(ctx); err != nil {
				errs <- err
				return
			}
			fence := NewFence()
			fence.Signal()
			if _, err := p.QueueBuffer(out.Slot, QueueInput{IsAutoTimestamp: true, Fence: fence}); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		var last uint64
		for range frames {
			item, err := c.AcquireWait(ctx, nil, 0)
			if err != nil {
				errs <- err
				return
			}
			if item.FrameNumber != last+1 {
				errs <- errors.New("frames out of order")
				return
			}
			last = item.FrameNumber
			if err := c.ReleaseBuffer(item.Slot, item.FrameNumber, NoFence); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	st := c.Stats()
	if st.Queued != frames || st.Acquired != frames || st.Released != frames || st.Dropped != 0 {
		t.Fatalf("Stats: got %+v", st)
	}
	if err := c.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}
