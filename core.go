// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// slot is the bookkeeping record of one pool entry.
type slot struct {
	state       SlotState
	buffer      *Buffer
	generation  uint32 // pool generation the buffer was allocated for
	frameNumber uint64 // frame number of the last submission into this slot
	fence       *Fence // release fence; the producer waits on it after dequeue

	acquireCalled         bool // the consumer has seen buffer through an acquire
	needsCleanupOnRelease bool // buffer was discarded while acquired
	attachedByConsumer    bool
	requestBufferCalled   bool
}

// Core is the shared state of a pool: the slot array, the FIFO of submitted
// items, the free pools and the pool configuration. A Producer and a
// Consumer built together share one Core.
//
// Every field is guarded by mu. Listener notifications collected during a
// locked section are delivered after mu is released.
type Core struct {
	mu          sync.Mutex
	dequeueCond *sync.Cond

	slots       [NumSlots]slot
	queue       fifo
	freeSlots   slotSet  // FREE slots without a buffer
	freeBuffers slotRing // FREE slots holding a reusable buffer, oldest first

	maxAcquired           int
	acquireOverflow       int
	defaultMaxBufferCount int
	dropWindow            int64

	defaultWidth     uint32
	defaultHeight    uint32
	defaultFormat    PixelFormat
	defaultDataSpace uint32
	consumerUsage    uint32
	transformHint    uint32
	generation       uint32
	frameCounter     uint64

	abandoned               bool
	consumerListener        ConsumerListener
	consumerControlledByApp bool
	producerConnected       bool
	producerListener        ProducerListener

	allocator Allocator
	id        uuid.UUID
	name      string
	baseLog   *zap.Logger
	log       *zap.Logger
	debug     bool

	_     cpu.CacheLinePad
	stats counters // read by Stats without mu
}

func newCore(o Options) *Core {
	c := &Core{
		queue:                 newFIFO(),
		maxAcquired:           o.maxAcquired,
		acquireOverflow:       o.acquireOverflow,
		defaultMaxBufferCount: o.maxBufferCount,
		dropWindow:            int64(o.dropWindow),
		defaultWidth:          o.width,
		defaultHeight:         o.height,
		defaultFormat:         o.format,
		defaultDataSpace:      o.dataSpace,
		consumerUsage:         o.consumerUsage,
		allocator:             o.allocator,
		id:                    uuid.New(),
		debug:                 o.debug,
	}
	c.dequeueCond = sync.NewCond(&c.mu)
	for i := range NumSlots {
		c.slots[i].fence = NoFence
		c.freeSlots.insert(i)
	}
	if c.allocator == nil {
		c.allocator = &HandleAllocator{}
	}
	c.baseLog = o.logger
	if c.baseLog == nil {
		c.baseLog = zap.NewNop()
	}
	c.baseLog = c.baseLog.Named("bufq").With(zap.Stringer("pool", c.id))
	c.setNameLocked(o.name)
	return c
}

func (c *Core) setNameLocked(name string) {
	c.name = name
	c.log = c.baseLog.With(zap.String("consumer", name))
}

// maxBufferCountLocked returns how many slots the producer may use.
// It always leaves room for one buffer beyond the acquired limit.
func (c *Core) maxBufferCountLocked() int {
	return max(c.defaultMaxBufferCount, c.maxAcquired+1)
}

func (c *Core) countLocked(state SlotState) int {
	n := 0
	for i := range NumSlots {
		if c.slots[i].state == state {
			n++
		}
	}
	return n
}

// hasValidBufferLocked reports whether slot i holds a buffer of the current
// generation.
func (c *Core) hasValidBufferLocked(i int) bool {
	s := &c.slots[i]
	return s.buffer != nil && s.generation == c.generation
}

// stillTrackingLocked reports whether the slot of item still holds the
// item's buffer.
func (c *Core) stillTrackingLocked(item *Item) bool {
	if item.Slot < 0 || item.Slot >= NumSlots {
		return false
	}
	b := c.slots[item.Slot].buffer
	return b != nil && b == item.Buffer
}

// freeSlotLocked returns slot i to the free pools. A slot whose buffer is
// still usable goes to freeBuffers; otherwise the handle is dropped and the
// slot goes to freeSlots.
func (c *Core) freeSlotLocked(i int) {
	s := &c.slots[i]
	s.state = SlotFree
	s.needsCleanupOnRelease = false
	s.attachedByConsumer = false
	if c.hasValidBufferLocked(i) {
		c.freeBuffers.push(i)
		return
	}
	s.buffer = nil
	s.acquireCalled = false
	s.requestBufferCalled = false
	c.freeSlots.insert(i)
}

// discardBufferLocked drops the handle in slot i and moves the slot to
// freeSlots. A buffer discarded while acquired must be released once more by
// the consumer; that release reports staleness. The frame number is kept so
// the release can still be matched.
//
// The slot must not be referenced by the FIFO.
func (c *Core) discardBufferLocked(i int) {
	s := &c.slots[i]
	if s.state == SlotAcquired {
		s.needsCleanupOnRelease = true
	}
	c.freeBuffers.remove(i)
	s.state = SlotFree
	s.buffer = nil
	s.acquireCalled = false
	s.requestBufferCalled = false
	s.attachedByConsumer = false
	s.fence = NoFence
	c.freeSlots.insert(i)
}

// freeAllSlotsLocked empties the FIFO and discards every buffer.
func (c *Core) freeAllSlotsLocked() {
	c.queue.clear()
	for i := range NumSlots {
		c.discardBufferLocked(i)
	}
	c.freeBuffers.reset()
}

// discardFreeBuffersLocked drops every buffer parked in freeBuffers.
// Reports whether any buffer was dropped.
func (c *Core) discardFreeBuffersLocked() bool {
	dropped := false
	for {
		i, err := c.freeBuffers.pop()
		if err != nil {
			return dropped
		}
		c.slots[i].buffer = nil
		c.slots[i].acquireCalled = false
		c.slots[i].requestBufferCalled = false
		c.freeSlots.insert(i)
		dropped = true
	}
}

// wake unblocks every producer waiting for a slot.
func (c *Core) wake() {
	c.mu.Lock()
	c.dequeueCond.Broadcast()
	c.mu.Unlock()
}

// validateLocked checks consistency when debug validation is enabled.
func (c *Core) validateLocked() {
	if !c.debug {
		return
	}
	if err := c.checkConsistencyLocked(); err != nil {
		c.log.DPanic("inconsistent buffer queue state", zap.Error(err))
	}
}

// CheckConsistency verifies the pool invariants and returns the first
// violation found.
func (c *Core) CheckConsistency() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkConsistencyLocked()
}

func (c *Core) checkConsistencyLocked() error {
	var queued, pooled [NumSlots]int
	for i := range c.queue.len() {
		item := c.queue.at(i)
		if item.Slot < 0 || item.Slot >= NumSlots {
			return fmt.Errorf("bufq: FIFO entry %d has slot %d out of range", i, item.Slot)
		}
		queued[item.Slot]++
		if i > 0 && item.FrameNumber <= c.queue.at(i-1).FrameNumber {
			return fmt.Errorf("bufq: FIFO frame numbers not increasing at entry %d", i)
		}
	}
	c.freeBuffers.each(func(i int) bool {
		pooled[i]++
		return true
	})

	for i := range NumSlots {
		s := &c.slots[i]
		inSlots := c.freeSlots.contains(i)
		inBuffers := c.freeBuffers.contains(i)
		switch s.state {
		case SlotFree:
			if queued[i] != 0 {
				return fmt.Errorf("bufq: free slot %d is in the FIFO", i)
			}
			if inSlots == inBuffers {
				return fmt.Errorf("bufq: free slot %d must be in exactly one free pool", i)
			}
			if pooled[i] > 1 {
				return fmt.Errorf("bufq: slot %d appears %d times in freeBuffers", i, pooled[i])
			}
			if inSlots && s.buffer != nil {
				return fmt.Errorf("bufq: slot %d in freeSlots holds a buffer", i)
			}
			if inBuffers && s.buffer == nil {
				return fmt.Errorf("bufq: slot %d in freeBuffers has no buffer", i)
			}
		case SlotQueued:
			if queued[i] != 1 {
				return fmt.Errorf("bufq: queued slot %d appears %d times in the FIFO", i, queued[i])
			}
		case SlotDequeued, SlotAcquired:
			if queued[i] != 0 {
				return fmt.Errorf("bufq: %v slot %d is in the FIFO", s.state, i)
			}
		default:
			return fmt.Errorf("bufq: slot %d has unknown state %d", i, s.state)
		}
		if s.state != SlotFree && (inSlots || inBuffers) {
			return fmt.Errorf("bufq: %v slot %d is in a free pool", s.state, i)
		}
		if s.fence == nil {
			return fmt.Errorf("bufq: slot %d has no fence", i)
		}
	}

	if n, free := c.freeSlots.len()+c.freeBuffers.len(), c.countLocked(SlotFree); n != free {
		return fmt.Errorf("bufq: free pools hold %d slots, %d slots are free", n, free)
	}
	if n := c.countLocked(SlotAcquired); n > c.maxAcquired+c.acquireOverflow {
		return fmt.Errorf("bufq: %d buffers acquired, limit %d", n, c.maxAcquired+c.acquireOverflow)
	}
	return nil
}

// Dump writes a human-readable description of the pool state to w.
func (c *Core) Dump(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ew := &errWriter{w: w}
	ew.printf("%s: abandoned=%t maxAcquired=%d maxBufferCount=%d default=%dx%d %v generation=%d\n",
		c.name, c.abandoned, c.maxAcquired, c.maxBufferCountLocked(),
		c.defaultWidth, c.defaultHeight, c.defaultFormat, c.generation)
	ew.printf("  FIFO(%d):\n", c.queue.len())
	for i := range c.queue.len() {
		item := c.queue.at(i)
		ew.printf("    %02d: crop=[%d,%d,%d,%d] xform=0x%02x time=%d frame=%d droppable=%t\n",
			item.Slot, item.Crop.Left, item.Crop.Top, item.Crop.Right, item.Crop.Bottom,
			item.Transform, item.Timestamp, item.FrameNumber, item.IsDroppable)
	}
	for i := range NumSlots {
		s := &c.slots[i]
		if s.state == SlotFree && s.buffer == nil {
			continue
		}
		ew.printf("  [%02d] state=%-8v frame=%d acquireCalled=%t", i, s.state, s.frameNumber, s.acquireCalled)
		if s.buffer != nil {
			ew.printf(" buffer=%d %dx%d %v gen=%d", s.buffer.ID, s.buffer.Width, s.buffer.Height,
				s.buffer.Format, s.generation)
		}
		ew.printf("\n")
	}
	return ew.err
}

// errWriter keeps the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
