package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

// DefaultRecorderQueue is the number of pending batches a Recorder buffers
// before it drops new ones.
const DefaultRecorderQueue = 256

// DefaultGateTimeout bounds how long SetAcquisition waits for room in the
// queue before the session start or end is dropped.
const DefaultGateTimeout = time.Second

type opKind int

const (
	opBatch opKind = iota
	opStart
	opEnd
	opStatus
	opFlush
)

type op struct {
	kind      opKind
	session   string
	at        time.Time
	rate      float64
	positions []PositionRow
	ttls      []TTLRow
	msg       string
	done      chan struct{}
}

// Recorder is an events.Sink that stores every cycle's events in the
// current acquisition session. Writes happen on the Run goroutine;
// HandleEvents never blocks the processing cycle and drops batches when the
// writer falls behind.
type Recorder struct {
	db         *DB
	clock      timeutil.Clock
	sampleRate float64
	ops        chan op

	gateTimeout time.Duration

	mu      sync.Mutex
	session string

	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder creates a recorder writing to db. Run must be started for
// anything to be written.
func NewRecorder(db *DB, clock timeutil.Clock, sampleRate float64) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		db:          db,
		clock:       clock,
		sampleRate:  sampleRate,
		ops:         make(chan op, DefaultRecorderQueue),
		gateTimeout: DefaultGateTimeout,
	}
}

// Session returns the current session ID, or "" outside acquisition.
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Dropped returns the number of batches dropped because the writer was
// behind.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of rows written.
func (r *Recorder) Written() int64 { return r.written.Load() }

// SetAcquisition opens a new session on a rising edge and closes it on a
// falling edge. It blocks for at most DefaultGateTimeout per marker.
func (r *Recorder) SetAcquisition(active bool) {
	r.mu.Lock()
	prev := r.session
	if active {
		r.session = uuid.NewString()
	} else {
		r.session = ""
	}
	next := r.session
	r.mu.Unlock()

	now := r.clock.Now()
	if prev != "" {
		r.enqueueGate(op{kind: opEnd, session: prev, at: now})
	}
	if next != "" {
		r.enqueueGate(op{kind: opStart, session: next, at: now, rate: r.sampleRate})
	}
}

// enqueueGate waits at most gateTimeout for the writer. A dropped start
// leaves the session's batches without a parent row, so it is logged.
func (r *Recorder) enqueueGate(o op) {
	t := time.NewTimer(r.gateTimeout)
	defer t.Stop()
	select {
	case r.ops <- o:
	case <-t.C:
		r.dropped.Add(1)
		monitoring.Logf("recorder: writer behind, dropped session %s marker for %s", gateName(o.kind), o.session)
	}
}

func gateName(k opKind) string {
	if k == opStart {
		return "start"
	}
	return "end"
}

// HandleEvents queues the cycle's events for the current session.
func (r *Recorder) HandleEvents(c *events.Cycle, evs []events.Event) {
	session := r.Session()
	if session == "" {
		return
	}
	o := op{kind: opBatch, session: session}
	for _, e := range evs {
		switch e.Kind {
		case events.Binary:
			var s position.Sample
			if err := s.UnmarshalBinary(e.Payload); err != nil {
				continue
			}
			o.positions = append(o.positions, PositionRow{
				SessionID:   session,
				Sample:      c.Sample,
				TimestampMs: e.Timestamp,
				Processor:   e.Processor,
				Port:        e.Metadata.Port,
				Address:     e.Metadata.Address,
				Color:       e.Metadata.Color,
				X:           float64(s.X),
				Y:           float64(s.Y),
				Width:       float64(s.Width),
				Height:      float64(s.Height),
				Recording:   c.Recording,
			})
		case events.TTL:
			o.ttls = append(o.ttls, TTLRow{
				SessionID: session,
				Sample:    e.Timestamp,
				Processor: e.Processor,
				Line:      e.Line,
				State:     e.State,
				Recording: c.Recording,
			})
		}
	}
	if len(o.positions) == 0 && len(o.ttls) == 0 {
		return
	}
	select {
	case r.ops <- o:
	default:
		r.dropped.Add(1)
	}
}

// Status stores a status message. It implements monitoring.StatusSink.
func (r *Recorder) Status(msg string) {
	select {
	case r.ops <- op{kind: opStatus, at: r.clock.Now(), msg: msg}:
	default:
		r.dropped.Add(1)
	}
}

// Flush waits until everything queued before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.ops <- op{kind: opFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued operations until ctx is done, then writes whatever is
// still buffered and closes an open session.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case o := <-r.ops:
			r.apply(o)
		case <-ctx.Done():
			for {
				select {
				case o := <-r.ops:
					r.apply(o)
				default:
					if session := r.Session(); session != "" {
						r.apply(op{kind: opEnd, session: session, at: r.clock.Now()})
					}
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Recorder) apply(o op) {
	var err error
	switch o.kind {
	case opStart:
		err = r.db.StartSession(o.session, o.at, o.rate)
		if err == nil {
			monitoring.Logf("db: session %s started", o.session)
		}
	case opEnd:
		err = r.db.EndSession(o.session, o.at)
	case opBatch:
		err = r.db.WriteBatch(o.positions, o.ttls)
		if err == nil {
			r.written.Add(int64(len(o.positions) + len(o.ttls)))
		}
	case opStatus:
		err = r.db.RecordStatus(o.at, o.msg)
	case opFlush:
		close(o.done)
	}
	if err != nil {
		monitoring.Logf("db: %v", err)
	}
}
