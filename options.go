// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by New.
const (
	DefaultMaxAcquired     = 1
	DefaultMaxBufferCount  = 2
	DefaultWidth           = 1
	DefaultHeight          = 1
	DefaultFormat          = FormatRGBA8888
	DefaultDropWindow      = time.Second
	DefaultAcquireOverflow = 1
)

// Options configures pool creation.
type Options struct {
	// Identification and logging
	name   string
	logger *zap.Logger
	debug  bool // Validate consistency after every locked section

	// Acquisition depth
	maxAcquired     int
	maxBufferCount  int
	acquireOverflow int

	// Defaults for buffers the producer allocates
	width, height uint32
	format        PixelFormat
	dataSpace     uint32
	consumerUsage uint32

	// Presentation timing policy
	dropWindow time.Duration

	allocator Allocator
}

// Builder creates pools with fluent configuration.
//
// Example:
//
//	producer, consumer := bufq.New().
//	    Name("preview").
//	    MaxAcquired(2).
//	    DefaultSize(1920, 1080).
//	    Logger(logger).
//	    Build()
type Builder struct {
	opts Options
}

// New creates a pool builder with default options.
func New() *Builder {
	return &Builder{opts: Options{
		name:            "unnamed",
		maxAcquired:     DefaultMaxAcquired,
		maxBufferCount:  DefaultMaxBufferCount,
		acquireOverflow: DefaultAcquireOverflow,
		width:           DefaultWidth,
		height:          DefaultHeight,
		format:          DefaultFormat,
		dropWindow:      DefaultDropWindow,
	}}
}

// Name sets the consumer name used in logs and dumps.
func (b *Builder) Name(name string) *Builder {
	b.opts.name = name
	return b
}

// Logger sets the logger. The default discards everything.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.opts.logger = l
	return b
}

// Debug enables consistency validation after every locked section.
// Violations are reported through Logger.DPanic.
func (b *Builder) Debug() *Builder {
	b.opts.debug = true
	return b
}

// MaxAcquired sets how many buffers the consumer may hold at once.
// Panics if n is outside [1, MaxAcquiredLimit].
func (b *Builder) MaxAcquired(n int) *Builder {
	if n < 1 || n > MaxAcquiredLimit {
		panic("bufq: max acquired count out of range")
	}
	b.opts.maxAcquired = n
	return b
}

// MaxBufferCount sets the default number of slots the producer may use.
// Panics if n is outside [2, NumSlots].
func (b *Builder) MaxBufferCount(n int) *Builder {
	if n < 2 || n > NumSlots {
		panic("bufq: max buffer count out of range")
	}
	b.opts.maxBufferCount = n
	return b
}

// AcquireOverflow sets how many buffers beyond MaxAcquired the consumer may
// transiently hold while it sets up a new buffer before releasing the old.
// Panics if n is negative.
func (b *Builder) AcquireOverflow(n int) *Builder {
	if n < 0 {
		panic("bufq: acquire overflow must be >= 0")
	}
	b.opts.acquireOverflow = n
	return b
}

// DefaultSize sets the default dimensions of producer buffers.
// Panics if either dimension is zero.
func (b *Builder) DefaultSize(width, height uint32) *Builder {
	if width == 0 || height == 0 {
		panic("bufq: dimensions must be nonzero")
	}
	b.opts.width, b.opts.height = width, height
	return b
}

// DefaultFormat sets the default pixel format of producer buffers.
func (b *Builder) DefaultFormat(f PixelFormat) *Builder {
	b.opts.format = f
	return b
}

// DefaultDataSpace sets the default data space of queued frames.
func (b *Builder) DefaultDataSpace(ds uint32) *Builder {
	b.opts.dataSpace = ds
	return b
}

// ConsumerUsage sets usage bits added to every producer allocation.
func (b *Builder) ConsumerUsage(usage uint32) *Builder {
	b.opts.consumerUsage = usage
	return b
}

// DropWindow sets how far before the expected present time a queued
// timestamp may lie and still allow the frame ahead of it to be dropped.
// Timestamps further than the window past the expected present time are
// treated as implausible and acquired immediately.
// Panics if d is not positive.
func (b *Builder) DropWindow(d time.Duration) *Builder {
	if d <= 0 {
		panic("bufq: drop window must be > 0")
	}
	b.opts.dropWindow = d
	return b
}

// Allocator sets the allocator the producer obtains handles from.
// The default is a HandleAllocator.
func (b *Builder) Allocator(a Allocator) *Builder {
	b.opts.allocator = a
	return b
}

// Config applies c to the builder.
// Panics if c does not validate; call c.Validate first for an error.
func (b *Builder) Config(c Config) *Builder {
	if err := c.Validate(); err != nil {
		panic(err.Error())
	}
	if c.Name != "" {
		b.Name(c.Name)
	}
	if c.MaxAcquiredBuffers != 0 {
		b.MaxAcquired(c.MaxAcquiredBuffers)
	}
	if c.MaxBufferCount != 0 {
		b.MaxBufferCount(c.MaxBufferCount)
	}
	if c.AcquireOverflow != nil {
		b.AcquireOverflow(*c.AcquireOverflow)
	}
	if c.DefaultWidth != 0 {
		b.DefaultSize(c.DefaultWidth, c.DefaultHeight)
	}
	if c.DefaultFormat != FormatUnknown {
		b.DefaultFormat(c.DefaultFormat)
	}
	b.DefaultDataSpace(c.DefaultDataSpace)
	b.ConsumerUsage(c.ConsumerUsage)
	if c.DropWindow != 0 {
		b.DropWindow(c.DropWindow)
	}
	if c.Debug {
		b.Debug()
	}
	return b
}

// Build creates a pool and returns its producer and consumer endpoints.
// Both share the same Core.
func (b *Builder) Build() (*Producer, *Consumer) {
	c := newCore(b.opts)
	return &Producer{core: c}, &Consumer{core: c}
}
