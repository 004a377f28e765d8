package tracking

import (
	"fmt"

	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/queue"
)

// QueueMode selects the per-source buffer implementation.
type QueueMode string

const (
	// QueueRing buffers records in a fixed slot count.
	QueueRing QueueMode = "ring"
	// QueueBytes buffers encoded samples in a byte budget with a parallel
	// timestamp FIFO.
	QueueBytes QueueMode = "bytes"
)

// recordQueue is the per-source buffer. Callers hold Node.mu.
type recordQueue interface {
	Push(r position.Record)
	Pop() (position.Record, bool)
	Len() int
	Clear()
	Consistent() bool
}

func newRecordQueue(mode QueueMode, capacity int) (recordQueue, error) {
	switch mode {
	case "", QueueRing:
		return &ringQueue{ring: queue.NewRing[position.Record](capacity)}, nil
	case QueueBytes:
		mq, err := queue.NewMessageQueue(position.PayloadSize)
		if err != nil {
			return nil, err
		}
		return &byteQueue{mq: mq}, nil
	default:
		return nil, fmt.Errorf("unknown queue mode %q", mode)
	}
}

type ringQueue struct {
	ring *queue.Ring[position.Record]
}

func (q *ringQueue) Push(r position.Record)       { q.ring.Push(r) }
func (q *ringQueue) Pop() (position.Record, bool) { return q.ring.Pop() }
func (q *ringQueue) Len() int                     { return q.ring.Len() }
func (q *ringQueue) Clear()                       { q.ring.Clear() }
func (q *ringQueue) Consistent() bool             { return true }

type byteQueue struct {
	mq *queue.MessageQueue
}

func (q *byteQueue) Push(r position.Record) {
	b, _ := r.Position.MarshalBinary()
	// the message size is fixed at construction, so Enqueue cannot fail
	_ = q.mq.Enqueue(b, r.Timestamp)
}

func (q *byteQueue) Pop() (position.Record, bool) {
	b, ts, ok := q.mq.Dequeue()
	if !ok {
		return position.Record{}, false
	}
	var s position.Sample
	if err := s.UnmarshalBinary(b); err != nil {
		return position.Record{}, false
	}
	return position.Record{Timestamp: ts, Position: s}, true
}

func (q *byteQueue) Len() int         { return q.mq.Len() }
func (q *byteQueue) Clear()           { q.mq.Clear() }
func (q *byteQueue) Consistent() bool { return q.mq.Consistent() }
