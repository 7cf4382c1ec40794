// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"context"

	"code.hybscloud.com/iox"
)

// AcquireWait retries AcquireBuffer with adaptive backoff until a frame is
// acquired, a failure occurs, or ctx is done.
//
// expectedPresent is evaluated on every attempt; nil acquires the head
// without applying the timing policy. When ctx ends first, the context's
// error is returned.
func (c *Consumer) AcquireWait(ctx context.Context, expectedPresent func() int64, maxFrameNumber uint64) (Item, error) {
	backoff := iox.Backoff{}
	for {
		var when int64
		if expectedPresent != nil {
			when = expectedPresent()
		}
		item, err := c.AcquireBuffer(when, maxFrameNumber)
		if !IsWouldBlock(err) {
			return item, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return Item{}, cerr
		}
		backoff.Wait()
	}
}
