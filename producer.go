// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"context"
	"fmt"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
)

// DequeueFlags report what the producer must do with a dequeued slot.
type DequeueFlags uint32

const (
	// BufferNeedsReallocation means the slot received a new handle.
	BufferNeedsReallocation DequeueFlags = 1 << iota

	// BufferNeedsRequest means the producer has not mapped the slot's
	// handle and must call RequestBuffer before queueing it. It is always
	// set together with BufferNeedsReallocation.
	BufferNeedsRequest
)

// DequeueInput describes the buffer the producer wants.
// Zero dimensions and FormatUnknown select the pool defaults.
type DequeueInput struct {
	Width, Height uint32
	Format        PixelFormat
	Usage         uint32
}

// DequeueOutput is the result of DequeueBuffer.
type DequeueOutput struct {
	Slot  int
	Fence *Fence // the producer must wait on it before writing
	Flags DequeueFlags
}

// QueueInput describes a filled buffer.
type QueueInput struct {
	Timestamp       int64 // desired present time; filled in when IsAutoTimestamp and zero
	IsAutoTimestamp bool
	Fence           *Fence // signals when the producer's writes complete
	Crop            Rect
	Transform       uint32
	DataSpace       uint32 // zero selects the pool default
	Droppable       bool   // a newer frame may replace this one in the FIFO
}

// QueueOutput reports pool parameters back to the producer.
type QueueOutput struct {
	Width, Height     uint32
	TransformHint     uint32
	NumPendingBuffers int
	NextFrameNumber   uint64
}

// Producer is the producer endpoint of a pool.
//
// DequeueBuffer is the only blocking call in the package. It waits on the
// pool condition variable until a slot becomes free, bounded by its context.
type Producer struct {
	core *Core
}

// Connect installs the producer listener. A consumer must be connected.
func (p *Producer) Connect(l ProducerListener) (QueueOutput, error) {
	q := p.core
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		q.log.Error("producer connect: buffer queue has been abandoned")
		return QueueOutput{}, ErrAbandoned
	}
	if q.consumerListener == nil {
		q.log.Error("producer connect: no consumer is connected")
		return QueueOutput{}, fmt.Errorf("%w: no consumer is connected", ErrInvalidOperation)
	}
	if q.producerConnected {
		q.log.Error("producer connect: already connected")
		return QueueOutput{}, fmt.Errorf("%w: producer already connected", ErrInvalidOperation)
	}
	q.producerConnected = true
	q.producerListener = l
	return q.queueOutputLocked(), nil
}

// Disconnect detaches the producer and discards every buffer.
func (p *Producer) Disconnect() error {
	q := p.core
	var ob outbox
	q.mu.Lock()
	if !q.producerConnected {
		q.mu.Unlock()
		q.log.Error("producer disconnect: not connected")
		return fmt.Errorf("%w: producer not connected", ErrInvalidOperation)
	}
	q.freeAllSlotsLocked()
	q.producerConnected = false
	q.producerListener = nil
	ob.buffersReleased(q.consumerListener)
	q.dequeueCond.Broadcast()
	q.validateLocked()
	q.mu.Unlock()
	ob.flush()
	return nil
}

func (q *Core) queueOutputLocked() QueueOutput {
	return QueueOutput{
		Width:             q.defaultWidth,
		Height:            q.defaultHeight,
		TransformHint:     q.transformHint,
		NumPendingBuffers: q.queue.len(),
		NextFrameNumber:   q.frameCounter + 1,
	}
}

// DequeueBuffer claims a free slot for the producer, waiting until one is
// available or ctx is done. A slot that already holds a matching buffer is
// preferred; otherwise a new handle is obtained from the Allocator and the
// result carries BufferNeedsReallocation.
func (p *Producer) DequeueBuffer(ctx context.Context, in DequeueInput) (DequeueOutput, error) {
	q := p.core
	if (in.Width == 0) != (in.Height == 0) {
		q.log.Error("dequeueBuffer: invalid size",
			zap.Uint32("width", in.Width), zap.Uint32("height", in.Height))
		return DequeueOutput{}, fmt.Errorf("%w: size %dx%d", ErrInvalidArgument, in.Width, in.Height)
	}

	q.mu.Lock()
	stop := context.AfterFunc(ctx, q.wake)
	found, err := q.waitForFreeSlotLocked(ctx)
	stop()
	if err != nil {
		q.mu.Unlock()
		return DequeueOutput{}, err
	}

	w, h, format := in.Width, in.Height, in.Format
	if w == 0 {
		w, h = q.defaultWidth, q.defaultHeight
	}
	if format == FormatUnknown {
		format = q.defaultFormat
	}
	usage := in.Usage | q.consumerUsage

	s := &q.slots[found]
	s.state = SlotDequeued
	var flags DequeueFlags
	if b := s.buffer; b == nil || s.generation != q.generation ||
		b.Width != w || b.Height != h || b.Format != format || b.Usage&usage != usage {
		s.buffer = nil
		s.acquireCalled = false
		s.requestBufferCalled = false
		flags |= BufferNeedsReallocation
	}
	if !s.requestBufferCalled {
		flags |= BufferNeedsRequest
	}
	fence := s.fence
	s.fence = NoFence
	q.log.Debug("dequeue", zap.Int("slot", found),
		zap.Bool("realloc", flags&BufferNeedsReallocation != 0))
	q.validateLocked()
	q.mu.Unlock()

	if flags&BufferNeedsReallocation != 0 {
		if err := p.allocate(found, w, h, format, usage); err != nil {
			return DequeueOutput{}, err
		}
	}
	return DequeueOutput{Slot: found, Fence: fence, Flags: flags}, nil
}

// waitForFreeSlotLocked blocks on the pool condition variable until a slot
// the producer may dequeue is free.
func (q *Core) waitForFreeSlotLocked(ctx context.Context) (int, error) {
	for {
		if q.abandoned {
			q.log.Error("dequeueBuffer: buffer queue has been abandoned")
			return InvalidSlot, ErrAbandoned
		}
		if !q.producerConnected {
			q.log.Error("dequeueBuffer: producer not connected")
			return InvalidSlot, fmt.Errorf("%w: producer not connected", ErrInvalidOperation)
		}
		maxBufferCount := q.maxBufferCountLocked()
		dequeueable := maxBufferCount - q.maxAcquired
		if n := q.countLocked(SlotDequeued); n+1 > dequeueable {
			q.log.Error("dequeueBuffer: too many buffers dequeued",
				zap.Int("dequeued", n), zap.Int("max", dequeueable))
			return InvalidSlot, fmt.Errorf("%w: can't dequeue more than %d buffers", ErrInvalidOperation, dequeueable)
		}
		if q.queue.len() <= dequeueable {
			inRange := func(i int) bool { return i < maxBufferCount }
			if i, ok := q.freeBuffers.popFirst(inRange); ok {
				return i, nil
			}
			if i, ok := q.freeSlots.lowest(inRange); ok {
				q.freeSlots.remove(i)
				return i, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return InvalidSlot, fmt.Errorf("%w: %w", ErrTimedOut, err)
		}
		q.dequeueCond.Wait()
	}
}

// allocate obtains a handle for a dequeued slot without holding the lock.
func (p *Producer) allocate(slot int, w, h uint32, format PixelFormat, usage uint32) error {
	q := p.core
	buf, err := q.allocator.Allocate(w, h, format, usage)

	q.mu.Lock()
	defer q.mu.Unlock()
	s := &q.slots[slot]
	switch {
	case err != nil:
		err = fmt.Errorf("bufq: allocate %dx%d %v: %w", w, h, format, err)
	case buf == nil:
		err = fmt.Errorf("%w: allocator returned no buffer", ErrNoMemory)
	case q.abandoned:
		err = ErrAbandoned
	case s.state != SlotDequeued:
		err = fmt.Errorf("%w: slot %d was freed during allocation", ErrInvalidOperation, slot)
	}
	if err != nil {
		q.log.Error("dequeueBuffer: allocation failed", zap.Int("slot", slot), zap.Error(err))
		if s.state == SlotDequeued {
			q.freeSlotLocked(slot)
			q.dequeueCond.Broadcast()
		}
		return err
	}
	buf.Generation = q.generation
	s.buffer = buf
	s.generation = q.generation
	q.validateLocked()
	return nil
}

// RequestBuffer returns the handle of a dequeued slot.
func (p *Producer) RequestBuffer(slot int) (*Buffer, error) {
	q := p.core
	if slot < 0 || slot >= NumSlots {
		return nil, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, NumSlots)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return nil, ErrAbandoned
	}
	s := &q.slots[slot]
	if s.state != SlotDequeued {
		q.log.Error("requestBuffer: slot is not dequeued",
			zap.Int("slot", slot), zap.Stringer("state", s.state))
		return nil, fmt.Errorf("%w: requesting slot %d in state %v", ErrInvalidOperation, slot, s.state)
	}
	s.requestBufferCalled = true
	return s.buffer, nil
}

// QueueBuffer submits a filled buffer. The frame gets the next frame number.
// If the FIFO tail is droppable it is replaced and its slot freed; otherwise
// the frame is appended.
func (p *Producer) QueueBuffer(slot int, in QueueInput) (QueueOutput, error) {
	q := p.core
	if slot < 0 || slot >= NumSlots {
		q.log.Error("queueBuffer: slot out of range", zap.Int("slot", slot))
		return QueueOutput{}, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, NumSlots)
	}
	if in.Fence == nil {
		q.log.Error("queueBuffer: nil fence", zap.Int("slot", slot))
		return QueueOutput{}, fmt.Errorf("%w: nil acquire fence", ErrInvalidArgument)
	}

	var ob outbox
	q.mu.Lock()
	out, err := q.queueLocked(slot, in, &ob)
	q.mu.Unlock()
	ob.flush()
	return out, err
}

func (q *Core) queueLocked(slot int, in QueueInput, ob *outbox) (QueueOutput, error) {
	if q.abandoned {
		q.log.Error("queueBuffer: buffer queue has been abandoned", zap.Int("slot", slot))
		return QueueOutput{}, ErrAbandoned
	}
	if !q.producerConnected {
		q.log.Error("queueBuffer: producer not connected", zap.Int("slot", slot))
		return QueueOutput{}, fmt.Errorf("%w: producer not connected", ErrInvalidOperation)
	}
	s := &q.slots[slot]
	if s.state != SlotDequeued {
		q.log.Error("queueBuffer: slot is not dequeued",
			zap.Int("slot", slot), zap.Stringer("state", s.state))
		return QueueOutput{}, fmt.Errorf("%w: queueing slot %d in state %v", ErrInvalidOperation, slot, s.state)
	}
	if !s.requestBufferCalled || s.buffer == nil {
		q.log.Error("queueBuffer: slot was queued without requesting a buffer", zap.Int("slot", slot))
		return QueueOutput{}, fmt.Errorf("%w: slot %d queued without requesting its buffer", ErrInvalidOperation, slot)
	}
	if c, b := in.Crop, s.buffer; !c.Empty() &&
		(c.Left < 0 || c.Top < 0 || int64(c.Right) > int64(b.Width) || int64(c.Bottom) > int64(b.Height)) {
		q.log.Error("queueBuffer: crop rect is not contained within the buffer",
			zap.Int("slot", slot), zap.Uint32("width", b.Width), zap.Uint32("height", b.Height))
		return QueueOutput{}, fmt.Errorf("%w: crop [%d,%d,%d,%d] outside %dx%d buffer",
			ErrInvalidArgument, c.Left, c.Top, c.Right, c.Bottom, b.Width, b.Height)
	}

	ts := in.Timestamp
	if in.IsAutoTimestamp && ts == 0 {
		ts = Now()
	}
	ds := in.DataSpace
	if ds == 0 {
		ds = q.defaultDataSpace
	}

	q.frameCounter++
	s.frameNumber = q.frameCounter
	s.state = SlotQueued
	s.fence = in.Fence
	item := Item{
		Buffer:          s.buffer,
		Slot:            slot,
		FrameNumber:     s.frameNumber,
		Fence:           in.Fence,
		Timestamp:       ts,
		IsAutoTimestamp: in.IsAutoTimestamp,
		IsDroppable:     in.Droppable,
		AcquireCalled:   s.acquireCalled,
		Crop:            in.Crop,
		Transform:       in.Transform,
		DataSpace:       ds,
	}

	if !q.queue.empty() && q.queue.at(-1).IsDroppable {
		old := q.queue.replaceBack(item)
		if q.stillTrackingLocked(&old) {
			q.freeSlotLocked(old.Slot)
			ob.bufferReleased(q.producerListener)
		}
		ob.frameReplaced(q.consumerListener, item)
		q.stats.replaced.AddAcqRel(1)
		q.log.Debug("queue replaced", zap.Int("slot", slot), zap.Int("oldSlot", old.Slot),
			zap.Uint64("frame", item.FrameNumber))
	} else {
		q.queue.pushBack(item)
		ob.frameAvailable(q.consumerListener, item)
		q.log.Debug("queue", zap.Int("slot", slot), zap.Uint64("frame", item.FrameNumber),
			zap.Int64("timestamp", ts))
	}
	q.stats.queued.AddAcqRel(1)
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return q.queueOutputLocked(), nil
}

// CancelBuffer returns a dequeued slot to the pool without submitting it.
func (p *Producer) CancelBuffer(slot int, fence *Fence) error {
	q := p.core
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, NumSlots)
	}
	if fence == nil {
		return fmt.Errorf("%w: nil fence", ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return ErrAbandoned
	}
	s := &q.slots[slot]
	if s.state != SlotDequeued {
		q.log.Error("cancelBuffer: slot is not dequeued",
			zap.Int("slot", slot), zap.Stringer("state", s.state))
		return fmt.Errorf("%w: canceling slot %d in state %v", ErrInvalidOperation, slot, s.state)
	}
	s.fence = fence
	q.freeSlotLocked(slot)
	q.log.Debug("cancel", zap.Int("slot", slot))
	q.dequeueCond.Broadcast()
	q.validateLocked()
	return nil
}

// SetGenerationNumber starts a new buffer generation. Free buffers of the
// old generation are discarded, and AttachBuffer accepts only handles of
// the new one.
func (p *Producer) SetGenerationNumber(g uint32) error {
	q := p.core
	var ob outbox
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return ErrAbandoned
	}
	if g != q.generation {
		q.generation = g
		if q.discardFreeBuffersLocked() {
			ob.buffersReleased(q.consumerListener)
		}
		q.validateLocked()
	}
	q.mu.Unlock()
	ob.flush()
	return nil
}

// HandleAllocator is an Allocator that mints opaque handles with unique IDs
// and no backing memory.
type HandleAllocator struct {
	next atomix.Uint64
}

// Allocate returns a new handle describing the requested buffer.
func (a *HandleAllocator) Allocate(width, height uint32, format PixelFormat, usage uint32) (*Buffer, error) {
	return &Buffer{
		ID:     a.next.AddAcqRel(1),
		Width:  width,
		Height: height,
		Format: format,
		Usage:  usage,
	}, nil
}
