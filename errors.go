// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// This is an alias for [iox.ErrWouldBlock]. [ErrNoBufferAvailable],
// [ErrPresentLater] and [ErrFencePending] wrap it, so a polling caller can
// treat all three uniformly:
//
//	backoff := iox.Backoff{}
//	for {
//	    item, err := c.AcquireBuffer(now(), 0)
//	    if err == nil {
//	        backoff.Reset()
//	        consume(item)
//	        continue
//	    }
//	    if bufq.IsWouldBlock(err) {
//	        backoff.Wait()
//	        continue
//	    }
//	    return err
//	}
var ErrWouldBlock = iox.ErrWouldBlock

// Control flow signals. These are not failures; the caller retries later.
var (
	// ErrNoBufferAvailable reports an empty FIFO on acquire.
	ErrNoBufferAvailable error = &wouldBlockError{"bufq: no buffer available"}

	// ErrPresentLater reports that the FIFO head is not due yet, or that the
	// consumer is not ready for its frame number. Nothing was acquired.
	ErrPresentLater error = &wouldBlockError{"bufq: present later"}

	// ErrFencePending reports that the head buffer's acquire fence has not
	// signalled yet.
	ErrFencePending error = &wouldBlockError{"bufq: acquire fence pending"}
)

// ErrStaleBufferSlot reports that a call referred to a buffer generation
// that no longer exists in the slot. The caller must treat the buffer as
// already handled and must not retry.
var ErrStaleBufferSlot = errors.New("bufq: stale buffer slot")

// Failures. The pool is left unchanged when one of these is returned.
var (
	// ErrInvalidArgument reports an out-of-range slot, a nil handle or fence,
	// zero dimensions, or a handle from another generation.
	ErrInvalidArgument = errors.New("bufq: invalid argument")

	// ErrInvalidOperation reports a call that is illegal in the current pool
	// state, such as acquiring over the acquired-buffer limit or releasing a
	// slot the consumer does not own.
	ErrInvalidOperation = errors.New("bufq: invalid operation")

	// ErrAbandoned reports that the consumer disconnected. Abandonment is
	// terminal for the pool.
	ErrAbandoned = errors.New("bufq: buffer queue has been abandoned")

	// ErrNoMemory reports that no slot is available to attach a buffer into.
	ErrNoMemory = errors.New("bufq: no free buffer slot")

	// ErrTimedOut reports that a blocking dequeue gave up before a slot
	// became free.
	ErrTimedOut = errors.New("bufq: timed out")
)

type wouldBlockError struct {
	msg string
}

func (e *wouldBlockError) Error() string { return e.msg }

func (e *wouldBlockError) Unwrap() error { return iox.ErrWouldBlock }

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsStale reports whether err is [ErrStaleBufferSlot].
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleBufferSlot)
}

// IsNonFailure reports whether err represents a non-failure condition:
// nil, a would-block signal, or a stale slot reference.
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err) || IsStale(err)
}
