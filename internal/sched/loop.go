package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ErrLoopClosed is returned by Sync once the loop has stopped
var ErrLoopClosed = errors.New("scheduler loop closed")

type loopTask struct {
	timer  *time.Timer
	period time.Duration
	fn     func()
}

// Loop is a Scheduler backed by real timers. Timer callbacks and Do are
// appended to a pending queue drained by Run, so every task executes on
// Run's goroutine. Posting never blocks, including from a task running on
// the loop itself.
type Loop struct {
	wake chan struct{}
	done chan struct{}

	queueMu sync.Mutex
	pending []func()
	closed  bool

	mu    sync.Mutex
	next  Token
	tasks map[Token]*loopTask

	closeOnce sync.Once
}

// NewLoop creates a loop whose pending queue starts with room for queue
// tasks; it grows as needed
func NewLoop(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make([]func(), 0, queue),
		tasks:   make(map[Token]*loopTask),
	}
}

// Run drains the pending queue until ctx is cancelled or Close is called
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	var batch []func()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-l.wake:
		}

		l.queueMu.Lock()
		batch, l.pending = l.pending, batch[:0]
		l.queueMu.Unlock()

		for i, fn := range batch {
			select {
			case <-l.done:
				return nil
			default:
			}
			fn()
			batch[i] = nil
		}
	}
}

// Close stops all timers and releases Run
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		for tok, t := range l.tasks {
			t.timer.Stop()
			delete(l.tasks, tok)
		}
		l.mu.Unlock()

		l.queueMu.Lock()
		l.closed = true
		l.pending = nil
		l.queueMu.Unlock()
		close(l.done)
	})
}

// Now implements Scheduler
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Do implements Scheduler. It never blocks. Work posted after Close is
// dropped.
func (l *Loop) Do(fn func()) {
	l.post(fn)
}

func (l *Loop) post(fn func()) bool {
	l.queueMu.Lock()
	if l.closed {
		l.queueMu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.queueMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Queued returns the number of tasks posted but not yet picked up by Run
func (l *Loop) Queued() int {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return len(l.pending)
}

// Sync runs fn on the loop and waits for it to return. It must not be
// called from the loop goroutine itself.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "work posted to loop did not finish")
	}
}

// After implements Scheduler
func (l *Loop) After(d time.Duration, fn func()) Token {
	return l.schedule(d, 0, fn)
}

// Every implements Scheduler
func (l *Loop) Every(d time.Duration, fn func()) Token {
	return l.schedule(d, d, fn)
}

// Cancel implements Scheduler
func (l *Loop) Cancel(tok Token) {
	if tok == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tasks[tok]; ok {
		t.timer.Stop()
		delete(l.tasks, tok)
	}
}

func (l *Loop) schedule(d, period time.Duration, fn func()) Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	tok := l.next
	task := &loopTask{period: period, fn: fn}
	task.timer = time.AfterFunc(d, func() { l.fire(tok) })
	l.tasks[tok] = task
	return tok
}

// fire runs on the timer goroutine and hands the task to the loop
func (l *Loop) fire(tok Token) {
	l.mu.Lock()
	task, ok := l.tasks[tok]
	if ok && task.period > 0 {
		task.timer.Reset(task.period)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.Do(func() {
		l.mu.Lock()
		task, ok := l.tasks[tok]
		if ok && task.period == 0 {
			delete(l.tasks, tok)
		}
		l.mu.Unlock()

		// cancelled between firing and running
		if !ok {
			return
		}
		task.fn()
	})
}

// Pending returns the number of armed tasks
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}
