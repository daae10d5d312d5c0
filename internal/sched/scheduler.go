// Package sched provides the timer abstraction the capture pipeline runs on.
//
// All callbacks registered through a Scheduler run on a single logical
// thread, so components driven by it keep plain fields without locks.
package sched

import "time"

// Token identifies a scheduled task. The zero Token is never issued.
type Token uint64

// Scheduler runs closures serially on one logical thread
type Scheduler interface {
	// Now returns the scheduler's clock
	Now() time.Time
	// After runs fn once after d
	After(d time.Duration, fn func()) Token
	// Every runs fn repeatedly with period d, first run after d
	Every(d time.Duration, fn func()) Token
	// Cancel stops a pending task; unknown or zero tokens are ignored
	Cancel(tok Token)
	// Do runs fn on the scheduler thread as soon as possible
	Do(fn func())
}

// Debouncer coalesces bursts of Trigger calls into one call of fn,
// d after the last trigger.
type Debouncer struct {
	s   Scheduler
	d   time.Duration
	fn  func()
	tok Token
}

// NewDebouncer returns a debouncer bound to s. It must only be used from
// the scheduler thread.
func NewDebouncer(s Scheduler, d time.Duration, fn func()) *Debouncer {
	return &Debouncer{s: s, d: d, fn: fn}
}

// Trigger (re)arms the timer
func (b *Debouncer) Trigger() {
	b.s.Cancel(b.tok)
	b.tok = b.s.After(b.d, func() {
		b.tok = 0
		b.fn()
	})
}

// Pending reports whether a call is armed
func (b *Debouncer) Pending() bool {
	return b.tok != 0
}

// Stop drops a pending call
func (b *Debouncer) Stop() {
	b.s.Cancel(b.tok)
	b.tok = 0
}

// UnixMilli returns the scheduler clock as unix milliseconds
func UnixMilli(s Scheduler) int64 {
	return s.Now().UnixMilli()
}
