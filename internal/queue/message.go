package queue

import (
	"errors"
	"fmt"
)

// BufferSize is the byte budget shared by every slot of a MessageQueue.
const BufferSize = 4096

// ErrNotConfigured is returned when a MessageQueue is used before its message
// size has been set.
var ErrNotConfigured = errors.New("queue: message size not configured")

// MessageQueue stores fixed-size binary messages in a BufferSize byte budget,
// with a parallel FIFO of timestamps. Head and tail wrap independently of the
// timestamp FIFO, so a producer that laps the consumer leaves the two out of
// step; Consistent detects that and the owner is expected to Clear.
type MessageQueue struct {
	buf        [BufferSize]byte
	msgSize    int
	slots      int
	head       int
	tail       int
	timestamps []int64
}

// NewMessageQueue returns a queue for messages of msgSize bytes.
func NewMessageQueue(msgSize int) (*MessageQueue, error) {
	q := &MessageQueue{head: -1, tail: -1}
	if err := q.SetMessageSize(msgSize); err != nil {
		return nil, err
	}
	return q, nil
}

// SetMessageSize fixes the message size, derives the slot count and clears
// the queue.
func (q *MessageQueue) SetMessageSize(msgSize int) error {
	if msgSize <= 0 || msgSize > BufferSize {
		return fmt.Errorf("queue: invalid message size %d (must be 1..%d)", msgSize, BufferSize)
	}
	q.msgSize = msgSize
	q.slots = BufferSize / msgSize
	q.Clear()
	return nil
}

// MessageSize returns the configured message size, or 0 if unset.
func (q *MessageQueue) MessageSize() int { return q.msgSize }

// Slots returns how many messages fit in the byte budget.
func (q *MessageQueue) Slots() int { return q.slots }

// Enqueue copies msg into the next slot and records ts. Messages shorter than
// the message size are zero padded; longer ones are truncated.
func (q *MessageQueue) Enqueue(msg []byte, ts int64) error {
	if q.slots == 0 {
		return ErrNotConfigured
	}
	q.head = (q.head + 1) % q.slots
	slot := q.buf[q.head*q.msgSize : (q.head+1)*q.msgSize]
	n := copy(slot, msg)
	clear(slot[n:])
	q.timestamps = append(q.timestamps, ts)
	return nil
}

// Dequeue returns a copy of the oldest message and its timestamp.
func (q *MessageQueue) Dequeue() ([]byte, int64, bool) {
	if q.slots == 0 || q.IsEmpty() {
		return nil, 0, false
	}
	q.tail = (q.tail + 1) % q.slots
	var ts int64
	if len(q.timestamps) > 0 {
		ts = q.timestamps[0]
		q.timestamps = q.timestamps[1:]
	}
	out := make([]byte, q.msgSize)
	copy(out, q.buf[q.tail*q.msgSize:(q.tail+1)*q.msgSize])
	return out, ts, true
}

// IsEmpty reports whether head and tail coincide.
func (q *MessageQueue) IsEmpty() bool { return q.head == q.tail }

// Len returns the number of messages between tail and head.
func (q *MessageQueue) Len() int {
	switch {
	case q.IsEmpty():
		return 0
	case q.head >= q.tail:
		return q.head - q.tail
	default:
		return q.slots - q.tail + q.head
	}
}

// TimestampLen returns the number of buffered timestamps.
func (q *MessageQueue) TimestampLen() int { return len(q.timestamps) }

// Consistent reports whether the message and timestamp counts agree.
func (q *MessageQueue) Consistent() bool { return q.Len() == len(q.timestamps) }

// Clear resets both indices and drops every buffered timestamp.
func (q *MessageQueue) Clear() {
	q.head = -1
	q.tail = -1
	q.timestamps = nil
}
