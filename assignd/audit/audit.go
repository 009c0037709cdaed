// Package audit buffers decision and error records and flushes them to the
// store in the background. The buffer is bounded; when full, the oldest
// records are dropped and counted rather than blocking the scheduler.
package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirateb/assignd/assignd/observability"
	"github.com/sirateb/assignd/assignd/store"
)

// Sink receives flushed records. *store implementations satisfy it.
type Sink interface {
	AppendDecisionLog(ctx context.Context, rec *store.DecisionRecord) error
	AppendErrorLog(ctx context.Context, rec *store.ErrorRecord) error
}

const (
	// DefaultCapacity bounds the in-memory buffer.
	DefaultCapacity = 1024

	flushInterval = time.Second
	maxBackoff    = 30 * time.Second
)

type entry struct {
	decision *store.DecisionRecord
	errRec   *store.ErrorRecord
}

// Logger is the buffered audit writer.
type Logger struct {
	sink     Sink
	capacity int

	mu  sync.Mutex
	buf []entry

	dropped atomic.Uint64

	// notify receives each decision record as it is logged, before any
	// flush. The websocket hub hangs off this.
	notify func(*store.DecisionRecord)

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLogger creates a logger flushing to sink. capacity <= 0 selects
// DefaultCapacity.
func NewLogger(sink Sink, capacity int) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Logger{
		sink:     sink,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetNotify installs the live-stream hook. Must be called before Start.
func (l *Logger) SetNotify(fn func(*store.DecisionRecord)) {
	l.notify = fn
}

// Start launches the background flush loop.
func (l *Logger) Start(ctx context.Context) {
	go l.loop(ctx)
}

// Decision buffers one decision record.
func (l *Logger) Decision(rec *store.DecisionRecord) {
	if l.notify != nil {
		l.notify(rec)
	}
	l.push(entry{decision: rec})
}

// Error buffers one error record.
func (l *Logger) Error(rec *store.ErrorRecord) {
	l.push(entry{errRec: rec})
}

// Dropped returns the total number of records dropped so far.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Pending returns the current buffer depth.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Logger) push(e entry) {
	l.mu.Lock()
	if len(l.buf) >= l.capacity {
		// Drop oldest; the counter is the only trace it existed.
		l.buf = l.buf[1:]
		l.dropped.Add(1)
		observability.AuditDropped.Inc()
	}
	l.buf = append(l.buf, e)
	observability.AuditBufferDepth.Set(float64(len(l.buf)))
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Logger) loop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	backoff := flushInterval
	for {
		select {
		case <-ctx.Done():
			// Final best-effort flush with a short grace period.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Flush(fctx); err != nil {
				log.Printf("audit: final flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-l.wake:
		}

		if err := l.Flush(ctx); err != nil {
			observability.AuditFlushFailures.Inc()
			log.Printf("audit: flush failed, backing off %v: %v", backoff, err)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = flushInterval
	}
}

// Flush drains the buffer to the sink. Records that fail to write are put
// back at the front so ordering is preserved across retries.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	for i, e := range batch {
		var err error
		if e.decision != nil {
			err = l.sink.AppendDecisionLog(ctx, e.decision)
		} else if e.errRec != nil {
			err = l.sink.AppendErrorLog(ctx, e.errRec)
		}
		if err != nil {
			l.mu.Lock()
			l.buf = append(batch[i:], l.buf...)
			if over := len(l.buf) - l.capacity; over > 0 {
				l.buf = l.buf[over:]
				l.dropped.Add(uint64(over))
				observability.AuditDropped.Add(float64(over))
			}
			observability.AuditBufferDepth.Set(float64(len(l.buf)))
			l.mu.Unlock()
			return err
		}
	}

	l.mu.Lock()
	observability.AuditBufferDepth.Set(float64(len(l.buf)))
	l.mu.Unlock()
	return nil
}

// Wait blocks until the flush loop has exited after context cancellation.
func (l *Logger) Wait() {
	<-l.done
}
