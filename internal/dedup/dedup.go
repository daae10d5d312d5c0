// Package dedup suppresses messages that reappear because the observed
// surface re-rendered them.
//
// Records are keyed by (time bucket, content prefix). Identical content seen
// twice inside one bucket is always caught; repeats straddling a bucket
// boundary are not, and unrelated messages sharing a bucket and a 100-rune
// prefix are merged. Memory is bounded by wiping the whole record set once it
// grows past MaxEntries, which briefly lets old content through again.
package dedup

import (
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/chatcapture/internal/sched"
)

const (
	DefaultWindow     = 5 * time.Second
	DefaultMaxEntries = 1000
	prefixRunes       = 100
)

// Deduplicator tracks recently seen content. It is not safe for concurrent
// use; drive it from a single scheduler thread.
type Deduplicator struct {
	window     time.Duration
	maxEntries int
	seen       map[string]struct{}
}

// Option configures a Deduplicator
type Option func(*Deduplicator)

// WithWindow sets the bucket width
func WithWindow(d time.Duration) Option {
	return func(x *Deduplicator) {
		if d > 0 {
			x.window = d
		}
	}
}

// WithMaxEntries sets the record count above which Sweep wipes everything
func WithMaxEntries(n int) Option {
	return func(x *Deduplicator) {
		if n > 0 {
			x.maxEntries = n
		}
	}
}

// New creates a Deduplicator
func New(opts ...Option) *Deduplicator {
	x := &Deduplicator{
		window:     DefaultWindow,
		maxEntries: DefaultMaxEntries,
		seen:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// IsDuplicate reports whether content was already recorded in the bucket
// of timestampMs, recording it when it was not.
func (x *Deduplicator) IsDuplicate(content string, timestampMs int64) bool {
	k := x.key(content, timestampMs)
	if _, ok := x.seen[k]; ok {
		return true
	}
	x.seen[k] = struct{}{}
	return false
}

func (x *Deduplicator) key(content string, timestampMs int64) string {
	bucket := timestampMs / x.window.Milliseconds()
	normalized := strings.ToLower(strings.TrimSpace(content))
	if r := []rune(normalized); len(r) > prefixRunes {
		normalized = string(r[:prefixRunes])
	}
	return strconv.FormatInt(bucket, 10) + ":" + normalized
}

// Sweep wipes all records when more than MaxEntries are held.
// It returns true when a wipe happened.
func (x *Deduplicator) Sweep() bool {
	if len(x.seen) <= x.maxEntries {
		return false
	}
	x.Clear()
	return true
}

// Clear drops every record
func (x *Deduplicator) Clear() {
	x.seen = make(map[string]struct{})
}

// Len returns the number of records held
func (x *Deduplicator) Len() int {
	return len(x.seen)
}

// Window returns the bucket width
func (x *Deduplicator) Window() time.Duration {
	return x.window
}

// Run schedules Sweep every two windows on s and returns a func that
// cancels it.
func (x *Deduplicator) Run(s sched.Scheduler) (stop func()) {
	tok := s.Every(2*x.window, func() { x.Sweep() })
	return func() { s.Cancel(tok) }
}
