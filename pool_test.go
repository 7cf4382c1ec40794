// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq_test

import (
	"context"
	"sync"
	"testing"

	"code.hybscloud.com/bufq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Test Helpers
// =============================================================================

// recorder is both the consumer and the producer listener of a test pool.
type recorder struct {
	mu              sync.Mutex
	available       []uint64
	replaced        []uint64
	buffersReleased int
	released        int
}

func (r *recorder) OnFrameAvailable(item bufq.Item) {
	r.mu.Lock()
	r.available = append(r.available, item.FrameNumber)
	r.mu.Unlock()
}

func (r *recorder) OnFrameReplaced(item bufq.Item) {
	r.mu.Lock()
	r.replaced = append(r.replaced, item.FrameNumber)
	r.mu.Unlock()
}

func (r *recorder) OnBuffersReleased() {
	r.mu.Lock()
	r.buffersReleased++
	r.mu.Unlock()
}

func (r *recorder) OnBufferReleased() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

func (r *recorder) releasedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *recorder) buffersReleasedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffersReleased
}

// testBuilder returns a builder with a development test logger and
// invariant checking enabled, so any inconsistency panics the test.
func testBuilder(t *testing.T) *bufq.Builder {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))
	return bufq.New().Name(t.Name()).Logger(logger).Debug()
}

// newPool builds b (or a pool with eight slots when b is nil) and connects
// both endpoints to one recorder.
func newPool(t *testing.T, b *bufq.Builder) (*bufq.Producer, *bufq.Consumer, *recorder) {
	t.Helper()
	if b == nil {
		b = testBuilder(t).MaxBufferCount(8)
	}
	p, c := b.Build()
	r := &recorder{}
	if err := c.Connect(r, false); err != nil {
		t.Fatalf("Consumer.Connect: %v", err)
	}
	if _, err := p.Connect(r); err != nil {
		t.Fatalf("Producer.Connect: %v", err)
	}
	return p, c, r
}

// produce dequeues a slot, requests its buffer if needed and queues it.
func produce(t *testing.T, p *bufq.Producer, in bufq.QueueInput) int {
	t.Helper()
	out, err := p.DequeueBuffer(context.Background(), bufq.DequeueInput{})
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if out.Flags&bufq.BufferNeedsRequest != 0 {
		if _, err := p.RequestBuffer(out.Slot); err != nil {
			t.Fatalf("RequestBuffer(%d): %v", out.Slot, err)
		}
	}
	if in.Fence == nil {
		in.Fence = bufq.NoFence
	}
	if _, err := p.QueueBuffer(out.Slot, in); err != nil {
		t.Fatalf("QueueBuffer(%d): %v", out.Slot, err)
	}
	return out.Slot
}

// produceAt queues one frame per timestamp.
func produceAt(t *testing.T, p *bufq.Producer, timestamps ...int64) {
	t.Helper()
	for _, ts := range timestamps {
		produce(t, p, bufq.QueueInput{Timestamp: ts})
	}
}

func mustAcquire(t *testing.T, c *bufq.Consumer, expectedPresent int64, maxFrame uint64) bufq.Item {
	t.Helper()
	item, err := c.AcquireBuffer(expectedPresent, maxFrame)
	if err != nil {
		t.Fatalf("AcquireBuffer(%d, %d): %v", expectedPresent, maxFrame, err)
	}
	return item
}

func mustRelease(t *testing.T, c *bufq.Consumer, item bufq.Item) {
	t.Helper()
	if err := c.ReleaseBuffer(item.Slot, item.FrameNumber, bufq.NoFence); err != nil {
		t.Fatalf("ReleaseBuffer(%d, %d): %v", item.Slot, item.FrameNumber, err)
	}
}

func checkConsistent(t *testing.T, c *bufq.Consumer) {
	t.Helper()
	if err := c.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}
