// Package asyncstore serializes every log store operation onto a single
// dedicated worker goroutine. The store itself is not required to be
// thread-safe; the facade is the one serialization point, and the one
// place where disk latency is absorbed — callers never block.
//
// Completion callbacks run on the worker goroutine in the order the
// operations were submitted (FIFO per submitter). Callers that need a
// drain barrier use WaitForCurrentTasks, which blocks until everything
// submitted before the call has completed or the timeout elapses.
package asyncstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
)

// task is one unit of work queued for the worker goroutine.
type task struct {
	run  func()
	done chan struct{}
}

// Facade owns the worker goroutine and the underlying LogStore. All
// store access in the process goes through exactly one Facade.
type Facade struct {
	logs *store.LogStore

	mu     sync.Mutex
	queue  []*task
	wake   chan struct{}
	closed bool

	workerDone chan struct{}
}

// New wraps logs in a Facade and starts the worker goroutine.
// Call Close when the facade is no longer needed.
func New(logs *store.LogStore) *Facade {
	f := &Facade{
		logs:       logs,
		wake:       make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	go f.worker()
	return f
}

// submit appends run to the FIFO queue and wakes the worker. Returns the
// task so barrier callers can wait on it; returns nil after Close.
func (f *Facade) submit(run func()) *task {
	t := &task{run: run, done: make(chan struct{})}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		slog.Warn("asyncstore: operation submitted after close, dropping")
		return nil
	}
	f.queue = append(f.queue, t)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return t
}

func (f *Facade) worker() {
	defer close(f.workerDone)
	for {
		f.mu.Lock()
		for len(f.queue) > 0 {
			t := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			t.run()
			close(t.done)

			f.mu.Lock()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()

		<-f.wake
	}
}

// ─── Store operations ─────────────────────────────────────────────────────────

// Put persists log under group. onDone receives the store error, if any,
// on the worker goroutine. onDone may be nil for fire-and-forget call
// sites; errors are then logged and swallowed.
func (f *Facade) Put(group string, log *telemetry.Log, onDone func(err error)) {
	f.submit(func() {
		err := f.logs.Put(group, log)
		if onDone != nil {
			onDone(err)
			return
		}
		if err != nil {
			slog.Warn("asyncstore: put failed", "group", group, "err", err)
		}
	})
}

// Count reports the number of unclaimed persisted rows for group.
func (f *Facade) Count(group string, onDone func(n int)) {
	f.submit(func() {
		onDone(f.logs.Count(group))
	})
}

// GetLogs claims up to limit oldest unclaimed rows under a fresh batch id.
// onDone receives ("", nil, nil) when no rows are available.
func (f *Facade) GetLogs(group string, limit int, onDone func(batchID string, logs []*telemetry.Log, err error)) {
	f.submit(func() {
		batchID, logs, err := f.logs.GetLogs(group, limit)
		if err == store.ErrNoPendingLogs {
			onDone("", nil, nil)
			return
		}
		onDone(batchID, logs, err)
	})
}

// DeleteBatch removes the rows claimed under batchID.
func (f *Facade) DeleteBatch(group, batchID string, onDone func(err error)) {
	f.submit(func() {
		err := f.logs.DeleteBatch(group, batchID)
		if onDone != nil {
			onDone(err)
			return
		}
		if err != nil {
			slog.Warn("asyncstore: delete batch failed", "group", group, "batch_id", batchID, "err", err)
		}
	})
}

// DeleteGroup removes every row for group.
func (f *Facade) DeleteGroup(group string, onDone func(err error)) {
	f.submit(func() {
		err := f.logs.DeleteGroup(group)
		if onDone != nil {
			onDone(err)
			return
		}
		if err != nil {
			slog.Warn("asyncstore: delete group failed", "group", group, "err", err)
		}
	})
}

// DrainChunk removes up to n oldest pending rows for group and returns
// them. Used by the channel's discard drain loop.
func (f *Facade) DrainChunk(group string, n int, onDone func(logs []*telemetry.Log, err error)) {
	f.submit(func() {
		onDone(f.logs.DrainChunk(group, n))
	})
}

// ClearPendingState releases every open batch claim so the rows become
// eligible for future GetLogs calls.
func (f *Facade) ClearPendingState(onDone func(err error)) {
	f.submit(func() {
		err := f.logs.ClearPendingState()
		if onDone != nil {
			onDone(err)
			return
		}
		if err != nil {
			slog.Warn("asyncstore: clear pending state failed", "err", err)
		}
	})
}

// ─── Drain barrier ────────────────────────────────────────────────────────────

// WaitForCurrentTasks blocks until every operation submitted before this
// call has completed, or until timeout elapses. Reports whether the drain
// finished in time. Operations submitted after the call are not waited on.
func (f *Facade) WaitForCurrentTasks(timeout time.Duration) bool {
	// A barrier is just an empty task: the worker runs tasks in FIFO
	// order, so once it completes, everything before it has too.
	t := f.submit(func() {})
	if t == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops the worker after the queue drains and closes the store.
// Idempotent.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	<-f.workerDone
	return f.logs.Close()
}
