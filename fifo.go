// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import "github.com/eapache/queue"

// fifo is the ordered sequence of submitted, not yet acquired items.
// Insertion order is submission order. Not safe for concurrent use; the
// pool lock guards it.
type fifo struct {
	q *queue.Queue
}

func newFIFO() fifo {
	return fifo{q: queue.New()}
}

func (f *fifo) len() int {
	return f.q.Length()
}

func (f *fifo) empty() bool {
	return f.q.Length() == 0
}

// at returns the i-th item; 0 is the head and -1 the tail.
func (f *fifo) at(i int) *Item {
	return f.q.Get(i).(*Item)
}

func (f *fifo) front() *Item {
	return f.q.Peek().(*Item)
}

func (f *fifo) pushBack(item Item) {
	f.q.Add(&item)
}

func (f *fifo) popFront() Item {
	return *f.q.Remove().(*Item)
}

// replaceBack overwrites the tail item and returns the one it replaced.
func (f *fifo) replaceBack(item Item) Item {
	back := f.at(-1)
	old := *back
	*back = item
	return old
}

func (f *fifo) containsSlot(slot int) bool {
	for i := range f.q.Length() {
		if f.at(i).Slot == slot {
			return true
		}
	}
	return false
}

func (f *fifo) clear() {
	f.q = queue.New()
}
