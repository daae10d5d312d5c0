package sched

import "time"

type manualTask struct {
	at     time.Time
	period time.Duration
	seq    uint64
	fn     func()
}

// Manual is a deterministic Scheduler whose clock only moves on Advance.
// Do runs work immediately on the caller's goroutine.
type Manual struct {
	now   time.Time
	next  Token
	seq   uint64
	tasks map[Token]*manualTask
}

// NewManual returns a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:   start,
		tasks: make(map[Token]*manualTask),
	}
}

// Now implements Scheduler
func (m *Manual) Now() time.Time { return m.now }

// Do implements Scheduler
func (m *Manual) Do(fn func()) { fn() }

// After implements Scheduler
func (m *Manual) After(d time.Duration, fn func()) Token {
	return m.add(d, 0, fn)
}

// Every implements Scheduler
func (m *Manual) Every(d time.Duration, fn func()) Token {
	return m.add(d, d, fn)
}

// Cancel implements Scheduler
func (m *Manual) Cancel(tok Token) {
	delete(m.tasks, tok)
}

// Pending returns the number of armed tasks
func (m *Manual) Pending() int { return len(m.tasks) }

// Advance moves the clock forward by d, running every task that falls due
// in time order. Ties run in registration order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		tok, task := m.earliest(target)
		if task == nil {
			break
		}
		m.now = task.at
		if task.period > 0 {
			m.seq++
			task.at = task.at.Add(task.period)
			task.seq = m.seq
		} else {
			delete(m.tasks, tok)
		}
		task.fn()
	}
	m.now = target
}

func (m *Manual) add(d, period time.Duration, fn func()) Token {
	m.next++
	m.seq++
	m.tasks[m.next] = &manualTask{
		at:     m.now.Add(d),
		period: period,
		seq:    m.seq,
		fn:     fn,
	}
	return m.next
}

func (m *Manual) earliest(limit time.Time) (Token, *manualTask) {
	var (
		bestTok  Token
		bestTask *manualTask
	)
	for tok, task := range m.tasks {
		if task.at.After(limit) {
			continue
		}
		if bestTask == nil ||
			task.at.Before(bestTask.at) ||
			(task.at.Equal(bestTask.at) && task.seq < bestTask.seq) {
			bestTok, bestTask = tok, task
		}
	}
	return bestTok, bestTask
}
