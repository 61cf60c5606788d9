// Package loop provides the single logical execution thread that owns all
// channel state for a context. Tasks are FIFO and run to completion; there
// is no preemption.
package loop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Loop is a serial executor backed by one goroutine.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
	goid   atomic.Int64
}

// New starts a loop.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	l.goid.Store(goid())
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		task()
	}
}

// Defer posts a task. Posting after Close is a no-op: the task is dropped,
// which is safe because by then every channel has drained its operations
// with an error.
func (l *Loop) Defer(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, task)
	l.cond.Signal()
	l.mu.Unlock()
}

// Run executes task on the loop and waits for it to finish. Called from
// the loop itself it runs the task inline, so loop code can share helpers
// with host-thread entry points.
func (l *Loop) Run(task func()) {
	if l.InLoop() {
		task()
		return
	}
	var wg sync.WaitGroup
	wg.Add(1)
	posted := false
	l.mu.Lock()
	if !l.closed {
		l.tasks = append(l.tasks, func() {
			task()
			wg.Done()
		})
		l.cond.Signal()
		posted = true
	}
	l.mu.Unlock()
	if posted {
		wg.Wait()
	}
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	return goid() == l.goid.Load()
}

// Close drains queued tasks and joins the loop goroutine. Must not be
// called from the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}

// goid extracts the current goroutine id from the runtime stack header.
// Only used for the InLoop assertion, never for scheduling.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := buf[:n]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(string(s[:i]), 10, 64); err == nil {
			return id
		}
	}
	return -1
}
