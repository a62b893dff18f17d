package forward

import (
	"sync/atomic"

	"relaybot/pkg/logx"
)

// Queue is the bounded multi-producer/multi-consumer send queue.
//
// Enqueue never blocks: on overflow the newest job is dropped and counted.
// Backpressure here is deliberately lossy; the worker pool's flood-wait
// re-enqueue is the only path that feeds jobs back in.
type Queue struct {
	ch      chan Job
	dropped atomic.Uint64
	log     logx.Logger
}

func NewQueue(size int, log logx.Logger) *Queue {
	if size <= 0 {
		size = 10000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{ch: make(chan Job, size), log: log}
}

// TryEnqueue offers a job to the queue; on overflow it drops the job,
// records the drop and returns false.
func (q *Queue) TryEnqueue(j Job) bool {
	select {
	case q.ch <- j:
		return true
	default:
		n := q.dropped.Add(1)
		q.log.Warn("send queue full, dropping job",
			logx.Int64("user", j.UserID), logx.Int64("target", j.Target),
			logx.Uint64("dropped_total", n))
		return false
	}
}

// Jobs exposes the consumer side for workers.
func (q *Queue) Jobs() <-chan Job { return q.ch }

func (q *Queue) Len() int         { return len(q.ch) }
func (q *Queue) Cap() int         { return cap(q.ch) }
func (q *Queue) Dropped() uint64  { return q.dropped.Load() }
