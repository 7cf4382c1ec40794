// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FrameLatcher drives a Consumer the way a compositor layer does: it mirrors
// the FIFO from listener callbacks, decides when the head should be
// presented, acquires it, and releases the previously latched buffer.
//
// Frame callbacks may arrive out of order; they are reassembled by frame
// number before they enter the mirror.
type FrameLatcher struct {
	consumer   *Consumer
	dropWindow int64
	log        *zap.Logger
	onUpdate   func()

	mu           sync.Mutex
	queued       []Item // mirror of the FIFO, oldest first
	early        map[uint64]latchedCallback
	lastReceived uint64
	cache        [NumSlots]*Buffer
	active       Item
	hasActive    bool
	releaseFence *Fence
}

type latchedCallback struct {
	item    Item
	replace bool
}

// NewFrameLatcher returns a latcher for c. onUpdate, if not nil, runs after
// every frame callback, outside all locks.
func NewFrameLatcher(c *Consumer, onUpdate func()) *FrameLatcher {
	c.core.mu.Lock()
	log := c.core.log.Named("latcher")
	c.core.mu.Unlock()
	return &FrameLatcher{
		consumer:   c,
		dropWindow: c.core.dropWindow,
		log:        log,
		onUpdate:   onUpdate,
		early:      make(map[uint64]latchedCallback),
	}
}

// Connect registers the latcher as the consumer listener.
func (l *FrameLatcher) Connect() error {
	return l.consumer.Connect(l, false)
}

// OnFrameAvailable implements ConsumerListener.
func (l *FrameLatcher) OnFrameAvailable(item Item) {
	l.receive(item, false)
}

// OnFrameReplaced implements ConsumerListener.
func (l *FrameLatcher) OnFrameReplaced(item Item) {
	l.receive(item, true)
}

// OnBuffersReleased implements ConsumerListener.
func (l *FrameLatcher) OnBuffersReleased() {
	mask, err := l.consumer.GetReleasedBuffers()
	if err != nil {
		return
	}
	l.mu.Lock()
	for i := range NumSlots {
		if mask&(1<<uint(i)) != 0 {
			l.cache[i] = nil
		}
	}
	l.mu.Unlock()
}

func (l *FrameLatcher) receive(item Item, replace bool) {
	l.mu.Lock()
	if item.FrameNumber <= l.lastReceived {
		l.log.Warn("frame callback for an old frame",
			zap.Uint64("frame", item.FrameNumber), zap.Uint64("last", l.lastReceived))
	} else {
		l.early[item.FrameNumber] = latchedCallback{item: item, replace: replace}
		if len(l.early) > NumSlots {
			// The gap will not close; resume from the oldest frame held.
			oldest := item.FrameNumber
			for fn := range l.early {
				oldest = min(oldest, fn)
			}
			l.log.Warn("frame callbacks missing",
				zap.Uint64("from", l.lastReceived+1), zap.Uint64("to", oldest-1))
			l.lastReceived = oldest - 1
		}
		for {
			cb, ok := l.early[l.lastReceived+1]
			if !ok {
				break
			}
			delete(l.early, l.lastReceived+1)
			l.lastReceived++
			l.applyLocked(cb)
		}
	}
	onUpdate := l.onUpdate
	l.mu.Unlock()
	if onUpdate != nil {
		onUpdate()
	}
}

func (l *FrameLatcher) applyLocked(cb latchedCallback) {
	if cb.item.Buffer != nil {
		l.cache[cb.item.Slot] = cb.item.Buffer
	}
	if cb.replace {
		if n := len(l.queued); n > 0 {
			l.queued[n-1] = cb.item
			return
		}
		l.log.Warn("frame replaced with an empty queue", zap.Uint64("frame", cb.item.FrameNumber))
	}
	l.queued = append(l.queued, cb.item)
}

// ShouldPresentNow reports whether the head frame is due at expectedPresent.
// A timestamp implausibly far in the future counts as due.
func (l *FrameLatcher) ShouldPresentNow(expectedPresent int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queued) == 0 {
		return false
	}
	ts := l.queued[0].Timestamp
	isDue := ts < expectedPresent
	isPlausible := ts < expectedPresent+l.dropWindow
	return isDue || !isPlausible
}

// HeadFenceSignaled reports whether the head frame's acquire fence has
// signalled. An empty mirror or a droppable head counts as signalled.
func (l *FrameLatcher) HeadFenceSignaled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queued) == 0 {
		return true
	}
	head := &l.queued[0]
	if head.IsDroppable {
		return true
	}
	return head.Fence == nil || head.Fence.Signaled()
}

// HeadFrameNumber returns the frame number of the head frame, or of the
// latched frame when nothing is queued.
func (l *FrameLatcher) HeadFrameNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queued) > 0 {
		return l.queued[0].FrameNumber
	}
	return l.active.FrameNumber
}

// QueuedFrames returns the number of frames in the mirror.
func (l *FrameLatcher) QueuedFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued)
}

// Active returns the latched frame.
func (l *FrameLatcher) Active() (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, l.hasActive
}

// SetReleaseFence sets the fence the latched buffer is released with once
// the next frame is latched.
func (l *FrameLatcher) SetReleaseFence(f *Fence) {
	l.mu.Lock()
	l.releaseFence = f
	l.mu.Unlock()
}

// Latch acquires the frame to present at expectedPresent and releases the
// previously latched one.
//
// It returns ErrFencePending while the head's acquire fence is pending, and
// ErrPresentLater or ErrNoBufferAvailable as AcquireBuffer does. The
// returned item always carries its buffer when the latcher has seen it.
func (l *FrameLatcher) Latch(expectedPresent int64) (Item, error) {
	if !l.HeadFenceSignaled() {
		return Item{}, ErrFencePending
	}
	l.mu.Lock()
	maxFrame := l.lastReceived
	l.mu.Unlock()

	item, err := l.consumer.AcquireBuffer(expectedPresent, maxFrame)
	if err != nil {
		return Item{}, err
	}

	l.mu.Lock()
	if item.Buffer != nil {
		l.cache[item.Slot] = item.Buffer
	} else {
		item.Buffer = l.cache[item.Slot]
	}
	// Frames older than the acquired one were dropped by the pool.
	n := 0
	for n < len(l.queued) && l.queued[n].FrameNumber <= item.FrameNumber {
		n++
	}
	l.queued = append(l.queued[:0], l.queued[n:]...)
	prev, hadPrev := l.active, l.hasActive
	fence := l.releaseFence
	l.releaseFence = nil
	l.active, l.hasActive = item, true
	l.mu.Unlock()

	if item.Buffer == nil {
		l.log.Warn("latched a frame with no cached buffer",
			zap.Int("slot", item.Slot), zap.Uint64("frame", item.FrameNumber))
	}
	if hadPrev {
		if fence == nil {
			fence = NoFence
		}
		if err := l.consumer.ReleaseBuffer(prev.Slot, prev.FrameNumber, fence); err != nil && !IsStale(err) {
			return item, fmt.Errorf("bufq: release frame %d: %w", prev.FrameNumber, err)
		}
	}
	return item, nil
}

// Close releases the latched buffer and disconnects the consumer.
func (l *FrameLatcher) Close() error {
	l.mu.Lock()
	prev, hadPrev := l.active, l.hasActive
	fence := l.releaseFence
	l.active, l.hasActive, l.releaseFence = Item{}, false, nil
	l.queued = nil
	l.mu.Unlock()

	var err error
	if hadPrev {
		if fence == nil {
			fence = NoFence
		}
		if rerr := l.consumer.ReleaseBuffer(prev.Slot, prev.FrameNumber, fence); rerr != nil && !IsStale(rerr) {
			err = multierr.Append(err, rerr)
		}
	}
	return multierr.Append(err, l.consumer.Disconnect())
}
