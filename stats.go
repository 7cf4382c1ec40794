// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import "code.hybscloud.com/atomix"

// Stats is a snapshot of pool counters since construction.
type Stats struct {
	Queued   uint64 // frames submitted by the producer
	Replaced uint64 // droppable FIFO tails overwritten by a newer frame
	Acquired uint64 // frames handed to the consumer
	Deferred uint64 // acquires answered with ErrPresentLater
	Dropped  uint64 // frames discarded by the presentation-timing policy
	Released uint64 // buffers returned by the consumer
	Stale    uint64 // releases rejected as stale
	Attached uint64
	Detached uint64
}

// counters are updated under the pool lock and read without it.
type counters struct {
	queued   atomix.Uint64
	replaced atomix.Uint64
	acquired atomix.Uint64
	deferred atomix.Uint64
	dropped  atomix.Uint64
	released atomix.Uint64
	stale    atomix.Uint64
	attached atomix.Uint64
	detached atomix.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Queued:   c.queued.LoadAcquire(),
		Replaced: c.replaced.LoadAcquire(),
		Acquired: c.acquired.LoadAcquire(),
		Deferred: c.deferred.LoadAcquire(),
		Dropped:  c.dropped.LoadAcquire(),
		Released: c.released.LoadAcquire(),
		Stale:    c.stale.LoadAcquire(),
		Attached: c.attached.LoadAcquire(),
		Detached: c.detached.LoadAcquire(),
	}
}
