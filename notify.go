// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

type noticeKind uint8

const (
	noticeBufferReleased noticeKind = iota
	noticeFrameAvailable
	noticeFrameReplaced
	noticeBuffersReleased
)

type notice struct {
	kind     noticeKind
	producer ProducerListener
	consumer ConsumerListener
	item     Item
}

// outbox collects listener notifications while the pool lock is held.
// flush delivers them after unlock, in the order they were recorded, so a
// listener that calls back into the pool cannot deadlock on its lock.
type outbox struct {
	notices []notice
}

func (o *outbox) bufferReleased(l ProducerListener) {
	if l == nil {
		return
	}
	o.notices = append(o.notices, notice{kind: noticeBufferReleased, producer: l})
}

func (o *outbox) frameAvailable(l ConsumerListener, item Item) {
	if l == nil {
		return
	}
	o.notices = append(o.notices, notice{kind: noticeFrameAvailable, consumer: l, item: item})
}

func (o *outbox) frameReplaced(l ConsumerListener, item Item) {
	if l == nil {
		return
	}
	o.notices = append(o.notices, notice{kind: noticeFrameReplaced, consumer: l, item: item})
}

func (o *outbox) buffersReleased(l ConsumerListener) {
	if l == nil {
		return
	}
	o.notices = append(o.notices, notice{kind: noticeBuffersReleased, consumer: l})
}

// flush must be called without the pool lock held.
func (o *outbox) flush() {
	for i := range o.notices {
		n := &o.notices[i]
		switch n.kind {
		case noticeBufferReleased:
			n.producer.OnBufferReleased()
		case noticeFrameAvailable:
			n.consumer.OnFrameAvailable(n.item)
		case noticeFrameReplaced:
			n.consumer.OnFrameReplaced(n.item)
		case noticeBuffersReleased:
			n.consumer.OnBuffersReleased()
		}
	}
	o.notices = o.notices[:0]
}
