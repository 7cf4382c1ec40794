// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import "strconv"

// NumSlots is the fixed number of slots in every pool.
const NumSlots = 64

// InvalidSlot is returned in place of a slot index when none applies.
const InvalidSlot = -1

// MaxAcquiredLimit is the largest value accepted by SetMaxAcquiredBufferCount.
// Two slots are always left for the producer.
const MaxAcquiredLimit = NumSlots - 2

// SlotState is the ownership state of a slot.
//
//	FREE → DEQUEUED → QUEUED → ACQUIRED → FREE
//
// FREE → DEQUEUED and DEQUEUED → QUEUED are producer transitions;
// QUEUED → ACQUIRED and ACQUIRED → FREE belong to the consumer. Detach and
// attach move a buffer between ACQUIRED and outside ownership.
type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotDequeued
	SlotQueued
	SlotAcquired
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "FREE"
	case SlotDequeued:
		return "DEQUEUED"
	case SlotQueued:
		return "QUEUED"
	case SlotAcquired:
		return "ACQUIRED"
	default:
		return "SlotState(" + strconv.Itoa(int(s)) + ")"
	}
}

// PixelFormat identifies the pixel layout of a buffer.
// The engine only compares formats; it never interprets them.
type PixelFormat uint32

const (
	FormatUnknown PixelFormat = iota
	FormatRGBA8888
	FormatRGBX8888
	FormatRGB888
	FormatRGB565
	FormatBGRA8888
)

func (f PixelFormat) String() string {
	switch f {
	case FormatUnknown:
		return "UNKNOWN"
	case FormatRGBA8888:
		return "RGBA_8888"
	case FormatRGBX8888:
		return "RGBX_8888"
	case FormatRGB888:
		return "RGB_888"
	case FormatRGB565:
		return "RGB_565"
	case FormatBGRA8888:
		return "BGRA_8888"
	default:
		return "PixelFormat(" + strconv.FormatUint(uint64(f), 10) + ")"
	}
}

// Buffer is an opaque handle to producer-allocated memory.
//
// The engine tracks handles by identity and reads only Generation; the
// remaining fields describe the allocation for producers and consumers.
// Memory carries the allocation itself and is never inspected.
type Buffer struct {
	ID         uint64
	Width      uint32
	Height     uint32
	Format     PixelFormat
	Usage      uint32
	Generation uint32
	Memory     any
}

// Rect is a crop rectangle in buffer coordinates.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Empty reports whether r has no area. An empty crop selects the whole
// buffer.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Item describes a submitted buffer. It is both the FIFO entry and the
// result of a successful acquire.
//
// Buffer is nil in an acquire result when AcquireCalled is set: the consumer
// has already seen the handle for Slot and is expected to have cached it.
type Item struct {
	Buffer          *Buffer
	Slot            int
	FrameNumber     uint64
	Fence           *Fence
	Timestamp       int64
	IsAutoTimestamp bool
	IsDroppable     bool
	AcquireCalled   bool
	Crop            Rect
	Transform       uint32
	DataSpace       uint32
}

// ProducerListener receives producer-side notifications.
//
// Callbacks run without the pool lock held and may call back into the pool.
type ProducerListener interface {
	// OnBufferReleased is called once per slot returned to the free pools
	// by the consumer (release or frame drop).
	OnBufferReleased()
}

// ConsumerListener receives consumer-side notifications.
//
// Callbacks run without the pool lock held and may call back into the pool,
// e.g. to acquire the frame just announced.
type ConsumerListener interface {
	// OnFrameAvailable is called when a frame is appended to the FIFO.
	OnFrameAvailable(item Item)

	// OnFrameReplaced is called when a droppable FIFO tail is replaced by a
	// newer frame.
	OnFrameReplaced(item Item)

	// OnBuffersReleased is called when buffers were discarded from the pool.
	// The consumer should call GetReleasedBuffers to prune its cache.
	OnBuffersReleased()
}

// ProducerListenerFunc adapts a function to ProducerListener.
type ProducerListenerFunc func()

// OnBufferReleased calls f.
func (f ProducerListenerFunc) OnBufferReleased() { f() }

// ConsumerListenerFuncs adapts functions to ConsumerListener.
// Nil fields are ignored.
type ConsumerListenerFuncs struct {
	FrameAvailable  func(Item)
	FrameReplaced   func(Item)
	BuffersReleased func()
}

// OnFrameAvailable calls FrameAvailable if it is set.
func (l ConsumerListenerFuncs) OnFrameAvailable(item Item) {
	if l.FrameAvailable != nil {
		l.FrameAvailable(item)
	}
}

// OnFrameReplaced calls FrameReplaced if it is set.
func (l ConsumerListenerFuncs) OnFrameReplaced(item Item) {
	if l.FrameReplaced != nil {
		l.FrameReplaced(item)
	}
}

// OnBuffersReleased calls BuffersReleased if it is set.
func (l ConsumerListenerFuncs) OnBuffersReleased() {
	if l.BuffersReleased != nil {
		l.BuffersReleased()
	}
}

// Allocator obtains buffer handles for the producer.
// The pool calls it without holding its lock.
type Allocator interface {
	Allocate(width, height uint32, format PixelFormat, usage uint32) (*Buffer, error)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(width, height uint32, format PixelFormat, usage uint32) (*Buffer, error)

// Allocate calls f.
func (f AllocatorFunc) Allocate(width, height uint32, format PixelFormat, usage uint32) (*Buffer, error) {
	return f(width, height, format, usage)
}
