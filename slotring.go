// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import "math/bits"

// slotRing is an ordered ring of slot indices, oldest first.
//
// Based on the Lamport ring buffer with a power-of-two mask. It holds at
// most NumSlots entries and is only touched under the pool lock, so head
// and tail are plain integers.
type slotRing struct {
	head   uint64
	tail   uint64
	buffer [NumSlots]int
}

const slotRingMask = NumSlots - 1

// push appends slot at the tail.
// Returns ErrWouldBlock if the ring is full.
func (r *slotRing) push(slot int) error {
	if r.tail-r.head > slotRingMask {
		return ErrWouldBlock
	}
	r.buffer[r.tail&slotRingMask] = slot
	r.tail++
	return nil
}

// pop removes and returns the oldest slot.
// Returns (InvalidSlot, ErrWouldBlock) if the ring is empty.
func (r *slotRing) pop() (int, error) {
	if r.head == r.tail {
		return InvalidSlot, ErrWouldBlock
	}
	slot := r.buffer[r.head&slotRingMask]
	r.head++
	return slot, nil
}

// remove deletes slot from the ring, keeping the order of the others.
// Reports whether slot was present.
func (r *slotRing) remove(slot int) bool {
	found := false
	w := r.head
	for i := r.head; i != r.tail; i++ {
		v := r.buffer[i&slotRingMask]
		if v == slot && !found {
			found = true
			continue
		}
		r.buffer[w&slotRingMask] = v
		w++
	}
	r.tail = w
	return found
}

// popFirst removes and returns the oldest slot accepted by keep.
func (r *slotRing) popFirst(keep func(int) bool) (int, bool) {
	for i := r.head; i != r.tail; i++ {
		if v := r.buffer[i&slotRingMask]; keep(v) {
			r.remove(v)
			return v, true
		}
	}
	return InvalidSlot, false
}

func (r *slotRing) contains(slot int) bool {
	for i := r.head; i != r.tail; i++ {
		if r.buffer[i&slotRingMask] == slot {
			return true
		}
	}
	return false
}

// each calls f for every slot, oldest first, until f returns false.
func (r *slotRing) each(f func(int) bool) {
	for i := r.head; i != r.tail; i++ {
		if !f(r.buffer[i&slotRingMask]) {
			return
		}
	}
}

func (r *slotRing) len() int {
	return int(r.tail - r.head)
}

func (r *slotRing) reset() {
	r.head, r.tail = 0, 0
}

// slotSet is a set of slot indices iterated lowest first.
type slotSet uint64

func (s *slotSet) insert(slot int) {
	*s |= 1 << uint(slot)
}

func (s *slotSet) remove(slot int) bool {
	bit := slotSet(1) << uint(slot)
	had := *s&bit != 0
	*s &^= bit
	return had
}

func (s slotSet) contains(slot int) bool {
	return s&(1<<uint(slot)) != 0
}

func (s slotSet) len() int {
	return bits.OnesCount64(uint64(s))
}

// lowest returns the smallest slot accepted by keep.
func (s slotSet) lowest(keep func(int) bool) (int, bool) {
	for rest := uint64(s); rest != 0; rest &= rest - 1 {
		if slot := bits.TrailingZeros64(rest); keep(slot) {
			return slot, true
		}
	}
	return InvalidSlot, false
}
