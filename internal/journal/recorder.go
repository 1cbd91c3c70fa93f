package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/torpool/internal/circuit"
)

// recorderBuffer is the number of rotation events queued for writing.
const recorderBuffer = 256

// Recorder writes the events of one session. It implements
// circuit.Observer: operations are counted in memory and rotations are
// queued and written by a background goroutine, so callbacks never wait on
// the database.
type Recorder struct {
	journal *Journal
	id      string

	operations atomic.Int64
	failures   atomic.Int64
	rotations  atomic.Int64
	dropped    atomic.Int64

	mu     sync.RWMutex
	events chan rotationEvent
	closed bool
	done   chan struct{}

	finishOnce sync.Once
	finishErr  error
}

var _ circuit.Observer = (*Recorder)(nil)

type rotationEvent struct {
	circuit string
	reason  string
	err     error
	at      time.Time
}

func newRecorder(j *Journal, id string) *Recorder {
	r := &Recorder{
		journal: j,
		id:      id,
		events:  make(chan rotationEvent, recorderBuffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// SessionID returns the session's id.
func (r *Recorder) SessionID() string { return r.id }

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.journal.insertRotation(context.Background(), r.id, ev); err != nil {
			r.journal.logger.Warn("journal write failed", "session", r.id, "error", err)
		}
	}
}

// OperationDone implements circuit.Observer.
func (r *Recorder) OperationDone(_ string, _ time.Duration, err error) {
	r.operations.Add(1)
	if err != nil {
		r.failures.Add(1)
	}
}

// IdentityRotated implements circuit.Observer. Events arriving after Finish,
// or while the queue is full, are counted as dropped.
func (r *Recorder) IdentityRotated(identity string, reason circuit.RotationReason, err error) {
	if err == nil {
		r.rotations.Add(1)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- rotationEvent{circuit: identity, reason: string(reason), err: err, at: time.Now().UTC()}:
	default:
		r.dropped.Add(1)
	}
}

// SetDaemon stores the daemon of a session that was started before the
// daemon was up.
func (r *Recorder) SetDaemon(ctx context.Context, pid, proxyPort, controlPort int) error {
	return r.journal.setDaemon(ctx, r.id, pid, proxyPort, controlPort)
}

// Dropped returns the number of rotation events that were not written.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Finish flushes queued events and stores the session's end time and
// counters. Only the first call does anything.
func (r *Recorder) Finish(ctx context.Context) error {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			r.finishErr = ctx.Err()
			return
		}
		if n := r.dropped.Load(); n > 0 {
			r.journal.logger.Warn("journal dropped rotation events", "session", r.id, "dropped", n)
		}
		r.finishErr = r.journal.finishSession(ctx, r.id, r.operations.Load(), r.failures.Load(), r.rotations.Load())
	})
	return r.finishErr
}
