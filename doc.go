// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bufq provides a buffer-slot synchronization engine for handing
// filled buffers from a producer to a consumer without copying.
//
// A pool has NumSlots fixed slots. Each slot moves through
//
//	FREE → DEQUEUED → QUEUED → ACQUIRED → FREE
//
// The producer dequeues a free slot, fills its buffer and queues it. The
// consumer acquires the oldest queued frame, reads it and releases it.
// Neither side ever touches a buffer the other still owns. The consumer can
// also detach an acquired buffer from the pool and attach a buffer it
// obtained elsewhere.
//
// # Quick Start
//
//	producer, consumer := bufq.New().
//	    Name("preview").
//	    MaxBufferCount(4).
//	    DefaultSize(1920, 1080).
//	    Build()
//
//	latcher := bufq.NewFrameLatcher(consumer, nil)
//	latcher.Connect()
//	producer.Connect(nil)
//
// Producer side:
//
//	out, err := producer.DequeueBuffer(ctx, bufq.DequeueInput{})
//	if err != nil {
//	    return err
//	}
//	buf, _ := producer.RequestBuffer(out.Slot)
//	out.Fence.Wait(ctx)
//	draw(buf)
//	producer.QueueBuffer(out.Slot, bufq.QueueInput{
//	    Timestamp: presentAt,
//	    Fence:     bufq.NoFence,
//	})
//
// Consumer side:
//
//	item, err := consumer.AcquireBuffer(expectedPresent, 0)
//	switch {
//	case err == nil:
//	    show(item)
//	    consumer.ReleaseBuffer(item.Slot, item.FrameNumber, bufq.NoFence)
//	case bufq.IsWouldBlock(err):
//	    // Nothing due yet; retry on the next frame-available callback
//	default:
//	    return err
//	}
//
// # Presentation Timing
//
// AcquireBuffer with a nonzero expected present time applies a drop policy:
// while a later frame is also due, the older head is dropped and its slot
// freed. A head whose timestamp lies after the expected present time is
// deferred with ErrPresentLater, unless the timestamp is more than the drop
// window (one second by default) in the future, in which case it is treated
// as a placeholder and acquired at once.
//
// # Error Handling
//
// Outcomes are split into control flow and failures:
//
//   - ErrNoBufferAvailable, ErrPresentLater, ErrFencePending: would-block
//     signals wrapping iox.ErrWouldBlock; retry later.
//   - ErrStaleBufferSlot: the call referred to a buffer that no longer
//     exists in its slot; treat it as handled and do not retry.
//   - ErrInvalidArgument, ErrInvalidOperation, ErrNoMemory: rejected calls;
//     the pool is unchanged.
//   - ErrAbandoned: the consumer disconnected; terminal.
//
// Use IsWouldBlock, IsStale and IsNonFailure to classify. AcquireWait polls
// with iox.Backoff for callers without a frame-available callback.
//
// # Concurrency
//
// One mutex guards all pool state. Every transition that frees a slot or
// shrinks the FIFO broadcasts on a condition variable that DequeueBuffer
// waits on; DequeueBuffer is the only blocking call. Listener callbacks are
// collected under the lock and run after it is released, in the order the
// slots were freed, so a listener may call back into the pool.
//
// # Configuration and Logging
//
// Builder configures a pool in code; Config loads the same options from
// YAML. The pool logs through go.uber.org/zap: rejected calls at error
// level and transitions at debug level. With Builder.Debug, invariants are
// checked after every locked section and violations are reported through
// Logger.DPanic.
package bufq
