// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Consumer is the consumer endpoint of a pool.
//
// All methods are safe for concurrent use. None of them blocks beyond the
// pool lock: a frame that is not due yet is reported with ErrPresentLater
// and the caller decides when to try again.
type Consumer struct {
	core *Core
}

// Core returns the shared pool state.
func (c *Consumer) Core() *Core { return c.core }

// AcquireBuffer takes the FIFO head.
//
// With a nonzero expectedPresent the presentation timing policy applies:
// stale frames ahead of a frame that is due are dropped, and a head that is
// not due yet yields ErrPresentLater. A nonzero maxFrameNumber defers frames
// newer than it. With expectedPresent zero the head is returned as is.
//
// The result omits Buffer when the consumer already saw the slot's handle.
func (c *Consumer) AcquireBuffer(expectedPresent int64, maxFrameNumber uint64) (Item, error) {
	q := c.core
	var ob outbox
	q.mu.Lock()
	item, err := c.acquireLocked(expectedPresent, maxFrameNumber, &ob)
	q.mu.Unlock()
	ob.flush()
	return item, err
}

func (c *Consumer) acquireLocked(expectedPresent int64, maxFrameNumber uint64, ob *outbox) (Item, error) {
	q := c.core
	if q.abandoned {
		q.log.Error("acquireBuffer: buffer queue has been abandoned")
		return Item{}, ErrAbandoned
	}
	if n, limit := q.countLocked(SlotAcquired), q.maxAcquired+q.acquireOverflow; n >= limit {
		q.log.Error("acquireBuffer: max acquired buffer count reached",
			zap.Int("acquired", n), zap.Int("maxAcquired", q.maxAcquired))
		return Item{}, fmt.Errorf("%w: %d buffers acquired (max %d)", ErrInvalidOperation, n, q.maxAcquired)
	}
	if q.queue.empty() {
		return Item{}, ErrNoBufferAvailable
	}

	if expectedPresent != 0 {
		dropped := c.dropStaleLocked(expectedPresent, maxFrameNumber, ob)
		head := q.queue.front()
		desired := head.Timestamp
		due := desired <= expectedPresent || desired > expectedPresent+q.dropWindow
		ready := maxFrameNumber == 0 || head.FrameNumber <= maxFrameNumber
		if !due || !ready {
			q.log.Debug("defer",
				zap.Int("slot", head.Slot), zap.Uint64("frame", head.FrameNumber),
				zap.Int64("desired", desired), zap.Int64("expected", expectedPresent),
				zap.Uint64("maxFrame", maxFrameNumber))
			q.stats.deferred.AddAcqRel(1)
			if dropped {
				q.dequeueCond.Broadcast()
				q.validateLocked()
			}
			return Item{}, ErrPresentLater
		}
	}

	item := q.queue.popFront()
	if q.stillTrackingLocked(&item) {
		s := &q.slots[item.Slot]
		s.acquireCalled = true
		s.needsCleanupOnRelease = false
		s.state = SlotAcquired
		s.fence = NoFence
	}
	if item.AcquireCalled {
		item.Buffer = nil
	}
	q.log.Debug("acquire",
		zap.Int("slot", item.Slot), zap.Uint64("frame", item.FrameNumber),
		zap.Int64("timestamp", item.Timestamp))
	q.stats.acquired.AddAcqRel(1)
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return item, nil
}

// dropStaleLocked discards FIFO heads that a later frame supersedes before
// expectedPresent. Reports whether anything was dropped.
func (c *Consumer) dropStaleLocked(expectedPresent int64, maxFrameNumber uint64, ob *outbox) bool {
	q := c.core
	dropped := false
	for q.queue.len() > 1 && !q.queue.front().IsAutoTimestamp {
		next := q.queue.at(1)
		if maxFrameNumber != 0 && next.FrameNumber > maxFrameNumber {
			break
		}
		// A timestamp outside the window may be a placeholder rather than a
		// deadline, so the head is kept.
		desired := next.Timestamp
		if desired < expectedPresent-q.dropWindow || desired > expectedPresent {
			q.log.Debug("nodrop",
				zap.Int64("desired", desired), zap.Int64("expected", expectedPresent),
				zap.Uint64("frame", next.FrameNumber))
			break
		}
		head := q.queue.popFront()
		q.log.Debug("drop",
			zap.Int("slot", head.Slot), zap.Uint64("frame", head.FrameNumber),
			zap.Int64("desired", desired), zap.Int64("expected", expectedPresent))
		if q.stillTrackingLocked(&head) {
			q.freeSlotLocked(head.Slot)
			ob.bufferReleased(q.producerListener)
		}
		q.stats.dropped.AddAcqRel(1)
		dropped = true
	}
	return dropped
}

// ReleaseBuffer returns an acquired buffer to the pool. fence signals when
// the consumer's last read of the buffer completes; pass NoFence if there is
// none.
//
// ErrStaleBufferSlot means the slot was reused or discarded since the
// buffer was acquired; the release is already handled and must not be
// retried.
func (c *Consumer) ReleaseBuffer(slot int, frameNumber uint64, fence *Fence) error {
	q := c.core
	if slot < 0 || slot >= NumSlots {
		q.log.Error("releaseBuffer: slot out of range", zap.Int("slot", slot))
		return fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, NumSlots)
	}
	if fence == nil {
		q.log.Error("releaseBuffer: nil fence", zap.Int("slot", slot))
		return fmt.Errorf("%w: nil release fence", ErrInvalidArgument)
	}

	var ob outbox
	q.mu.Lock()
	err := c.releaseLocked(slot, frameNumber, fence, &ob)
	q.mu.Unlock()
	ob.flush()
	return err
}

func (c *Consumer) releaseLocked(slot int, frameNumber uint64, fence *Fence, ob *outbox) error {
	q := c.core
	if q.abandoned {
		q.log.Error("releaseBuffer: buffer queue has been abandoned", zap.Int("slot", slot))
		return ErrAbandoned
	}
	s := &q.slots[slot]
	if frameNumber != s.frameNumber {
		q.stats.stale.AddAcqRel(1)
		q.log.Debug("releaseBuffer: stale frame number",
			zap.Int("slot", slot), zap.Uint64("frame", frameNumber), zap.Uint64("current", s.frameNumber))
		return ErrStaleBufferSlot
	}
	if q.queue.containsSlot(slot) {
		q.log.Error("releaseBuffer: buffer is currently queued",
			zap.Int("slot", slot), zap.Uint64("frame", frameNumber))
		return fmt.Errorf("%w: slot %d is queued", ErrInvalidOperation, slot)
	}

	switch s.state {
	case SlotAcquired:
		s.fence = fence
		q.freeSlotLocked(slot)
		ob.bufferReleased(q.producerListener)
		q.stats.released.AddAcqRel(1)
		q.log.Debug("release", zap.Int("slot", slot), zap.Uint64("frame", frameNumber))
		q.dequeueCond.Broadcast()
		q.validateLocked()
		return nil
	case SlotFree, SlotDequeued, SlotQueued:
		if s.needsCleanupOnRelease {
			s.needsCleanupOnRelease = false
			q.stats.stale.AddAcqRel(1)
			q.log.Debug("releaseBuffer: slot was discarded while acquired",
				zap.Int("slot", slot), zap.Uint64("frame", frameNumber))
			return ErrStaleBufferSlot
		}
	}
	q.log.Error("releaseBuffer: slot is not acquired",
		zap.Int("slot", slot), zap.Stringer("state", s.state))
	return fmt.Errorf("%w: releasing slot %d in state %v", ErrInvalidOperation, slot, s.state)
}

// AttachBuffer injects buf into the pool as an acquired buffer and returns
// its slot. The slot's frame number is zero, and the next acquire of the
// slot carries the handle.
func (c *Consumer) AttachBuffer(buf *Buffer) (int, error) {
	q := c.core
	if buf == nil {
		q.log.Error("attachBuffer: nil buffer")
		return InvalidSlot, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		q.log.Error("attachBuffer: buffer queue has been abandoned")
		return InvalidSlot, ErrAbandoned
	}
	if n, limit := q.countLocked(SlotAcquired), q.maxAcquired+q.acquireOverflow; n >= limit {
		q.log.Error("attachBuffer: max acquired buffer count reached",
			zap.Int("acquired", n), zap.Int("maxAcquired", q.maxAcquired))
		return InvalidSlot, fmt.Errorf("%w: %d buffers acquired (max %d)", ErrInvalidOperation, n, q.maxAcquired)
	}
	if buf.Generation != q.generation {
		q.log.Error("attachBuffer: generation number mismatch",
			zap.Uint32("buffer", buf.Generation), zap.Uint32("queue", q.generation))
		return InvalidSlot, fmt.Errorf("%w: buffer generation %d, queue generation %d",
			ErrInvalidArgument, buf.Generation, q.generation)
	}

	found, ok := q.freeSlots.lowest(func(int) bool { return true })
	if ok {
		q.freeSlots.remove(found)
	} else if found, ok = q.freeBuffers.popFirst(func(int) bool { return true }); !ok {
		q.log.Error("attachBuffer: no free slot available")
		return InvalidSlot, ErrNoMemory
	}

	s := &q.slots[found]
	s.state = SlotAcquired
	s.buffer = buf
	s.generation = q.generation
	s.attachedByConsumer = true
	s.needsCleanupOnRelease = false
	s.fence = NoFence
	s.frameNumber = 0
	s.acquireCalled = false
	s.requestBufferCalled = false
	q.stats.attached.AddAcqRel(1)
	q.log.Debug("attach", zap.Int("slot", found), zap.Uint64("buffer", buf.ID))
	q.validateLocked()
	return found, nil
}

// DetachBuffer removes the buffer in an acquired slot from the pool and
// hands it to the caller.
func (c *Consumer) DetachBuffer(slot int) (*Buffer, error) {
	q := c.core
	if slot < 0 || slot >= NumSlots {
		q.log.Error("detachBuffer: slot out of range", zap.Int("slot", slot))
		return nil, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, NumSlots)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		q.log.Error("detachBuffer: buffer queue has been abandoned", zap.Int("slot", slot))
		return nil, ErrAbandoned
	}
	s := &q.slots[slot]
	if s.state != SlotAcquired {
		q.log.Error("detachBuffer: slot is not acquired",
			zap.Int("slot", slot), zap.Stringer("state", s.state))
		return nil, fmt.Errorf("%w: detaching slot %d in state %v", ErrInvalidOperation, slot, s.state)
	}

	buf := s.buffer
	q.discardBufferLocked(slot)
	q.stats.detached.AddAcqRel(1)
	q.log.Debug("detach", zap.Int("slot", slot))
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return buf, nil
}

// Connect installs the consumer listener. controlledByApp records whether
// the consumer runs under application control.
func (c *Consumer) Connect(l ConsumerListener, controlledByApp bool) error {
	q := c.core
	if l == nil {
		q.log.Error("connect: nil listener")
		return fmt.Errorf("%w: nil consumer listener", ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		q.log.Error("connect: buffer queue has been abandoned")
		return ErrAbandoned
	}
	if q.consumerListener != nil {
		q.log.Error("connect: consumer already connected")
		return fmt.Errorf("%w: consumer already connected", ErrInvalidOperation)
	}
	q.consumerListener = l
	q.consumerControlledByApp = controlledByApp
	return nil
}

// Disconnect abandons the pool: the listener is removed, the FIFO is
// emptied and every buffer is discarded. Abandonment cannot be undone.
func (c *Consumer) Disconnect() error {
	q := c.core
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumerListener == nil {
		q.log.Error("disconnect: no consumer is connected")
		return fmt.Errorf("%w: no consumer is connected", ErrInvalidOperation)
	}
	q.abandoned = true
	q.consumerListener = nil
	q.freeAllSlotsLocked()
	q.log.Debug("disconnect")
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return nil
}

// GetReleasedBuffers returns a mask of slots whose handle the consumer must
// drop from its cache: bit i is set if slot i's handle was never acquired,
// unless a queued item for the slot is already mapped.
func (c *Consumer) GetReleasedBuffers() (uint64, error) {
	q := c.core
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		q.log.Error("getReleasedBuffers: buffer queue has been abandoned")
		return 0, ErrAbandoned
	}
	var mask uint64
	for i := range NumSlots {
		if !q.slots[i].acquireCalled {
			mask |= 1 << uint(i)
		}
	}
	for i := range q.queue.len() {
		if item := q.queue.at(i); item.AcquireCalled {
			mask &^= 1 << uint(item.Slot)
		}
	}
	return mask, nil
}

// SetDefaultBufferSize sets the dimensions the producer allocates when it
// requests none. Free buffers of other dimensions are discarded.
func (c *Consumer) SetDefaultBufferSize(width, height uint32) error {
	q := c.core
	if width == 0 || height == 0 {
		q.log.Error("setDefaultBufferSize: dimensions cannot be 0",
			zap.Uint32("width", width), zap.Uint32("height", height))
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidArgument, width, height)
	}
	var ob outbox
	q.mu.Lock()
	if width != q.defaultWidth || height != q.defaultHeight {
		q.defaultWidth, q.defaultHeight = width, height
		if q.discardFreeBuffersLocked() {
			ob.buffersReleased(q.consumerListener)
		}
		q.validateLocked()
	}
	q.mu.Unlock()
	ob.flush()
	return nil
}

// SetDefaultBufferFormat sets the format the producer allocates when it
// requests none. Free buffers are discarded when the format changes.
func (c *Consumer) SetDefaultBufferFormat(f PixelFormat) error {
	q := c.core
	if f == FormatUnknown {
		q.log.Error("setDefaultBufferFormat: unknown format")
		return fmt.Errorf("%w: unknown pixel format", ErrInvalidArgument)
	}
	var ob outbox
	q.mu.Lock()
	if f != q.defaultFormat {
		q.defaultFormat = f
		if q.discardFreeBuffersLocked() {
			ob.buffersReleased(q.consumerListener)
		}
		q.validateLocked()
	}
	q.mu.Unlock()
	ob.flush()
	return nil
}

// SetDefaultBufferDataSpace sets the data space of frames queued without one.
func (c *Consumer) SetDefaultBufferDataSpace(ds uint32) error {
	q := c.core
	q.mu.Lock()
	q.defaultDataSpace = ds
	q.mu.Unlock()
	return nil
}

// SetConsumerUsageBits sets usage bits added to every producer allocation.
func (c *Consumer) SetConsumerUsageBits(usage uint32) error {
	q := c.core
	q.mu.Lock()
	q.consumerUsage = usage
	q.mu.Unlock()
	return nil
}

// SetTransformHint sets the transform the producer should pre-apply.
func (c *Consumer) SetTransformHint(hint uint32) error {
	q := c.core
	q.mu.Lock()
	q.transformHint = hint
	q.mu.Unlock()
	return nil
}

// SetMaxAcquiredBufferCount sets how many buffers the consumer may hold.
// It fails while a producer is connected.
func (c *Consumer) SetMaxAcquiredBufferCount(n int) error {
	q := c.core
	if n < 1 || n > MaxAcquiredLimit {
		q.log.Error("setMaxAcquiredBufferCount: invalid count", zap.Int("count", n))
		return fmt.Errorf("%w: max acquired count %d not in [1, %d]", ErrInvalidArgument, n, MaxAcquiredLimit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.producerConnected {
		q.log.Error("setMaxAcquiredBufferCount: producer is already connected")
		return fmt.Errorf("%w: producer is connected", ErrInvalidOperation)
	}
	if acquired := q.countLocked(SlotAcquired); acquired > n+q.acquireOverflow {
		q.log.Error("setMaxAcquiredBufferCount: more buffers acquired than the new limit",
			zap.Int("count", n), zap.Int("acquired", acquired))
		return fmt.Errorf("%w: %d buffers acquired", ErrInvalidOperation, acquired)
	}
	q.maxAcquired = n
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return nil
}

// SetDefaultMaxBufferCount sets how many slots the producer may use.
func (c *Consumer) SetDefaultMaxBufferCount(n int) error {
	q := c.core
	if n < 2 || n > NumSlots {
		q.log.Error("setDefaultMaxBufferCount: invalid count", zap.Int("count", n))
		return fmt.Errorf("%w: max buffer count %d not in [2, %d]", ErrInvalidArgument, n, NumSlots)
	}
	q.mu.Lock()
	q.defaultMaxBufferCount = n
	q.dequeueCond.Broadcast()
	q.mu.Unlock()
	return nil
}

// SetConsumerName renames the consumer in logs and dumps.
func (c *Consumer) SetConsumerName(name string) {
	q := c.core
	q.mu.Lock()
	q.setNameLocked(name)
	q.mu.Unlock()
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	q := c.core
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.name
}

// UniqueID returns the identifier assigned to the pool at construction.
// It does not change when the consumer is renamed.
func (c *Consumer) UniqueID() uuid.UUID {
	return c.core.id
}

// Stats returns a snapshot of the pool counters.
func (c *Consumer) Stats() Stats {
	return c.core.stats.snapshot()
}

// Dump writes the pool state to w.
func (c *Consumer) Dump(w io.Writer) error {
	return c.core.Dump(w)
}

// CheckConsistency verifies the pool invariants.
func (c *Consumer) CheckConsistency() error {
	return c.core.CheckConsistency()
}
