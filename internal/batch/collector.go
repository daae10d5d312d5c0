package batch

import (
	"time"

	"github.com/avvvet/chatcapture/internal/models"
	"github.com/avvvet/chatcapture/internal/sched"
)

const (
	DefaultMaxMessages = 10
	DefaultInterval    = 2 * time.Second
)

// Sink receives flushed batches. The slice is owned by the sink.
type Sink func(messages []models.Message)

// Collector buffers accepted messages and flushes them when either the
// size bound or the idle interval is hit first. It is driven from a single
// scheduler thread.
type Collector struct {
	s           sched.Scheduler
	sink        Sink
	maxMessages int
	interval    time.Duration

	buffer []models.Message
	timer  sched.Token
}

// Option configures a Collector
type Option func(*Collector)

// WithMaxMessages sets the buffer size that forces an immediate flush
func WithMaxMessages(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithInterval sets the idle time after the last Add before a flush
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// New creates a Collector delivering to sink
func New(s sched.Scheduler, sink Sink, opts ...Option) *Collector {
	c := &Collector{
		s:           s,
		sink:        sink,
		maxMessages: DefaultMaxMessages,
		interval:    DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends msg, assigning an ID when the source did not supply one
func (c *Collector) Add(msg models.Message) {
	if msg.ID == "" {
		msg.ID = models.NewMessageID()
	}
	c.buffer = append(c.buffer, msg)

	if len(c.buffer) >= c.maxMessages {
		c.Flush()
		return
	}

	c.s.Cancel(c.timer)
	c.timer = c.s.After(c.interval, func() {
		c.timer = 0
		c.Flush()
	})
}

// Flush hands a snapshot of the buffer to the sink and empties it.
// It is a no-op on an empty buffer.
func (c *Collector) Flush() {
	c.s.Cancel(c.timer)
	c.timer = 0

	if len(c.buffer) == 0 {
		return
	}

	snapshot := make([]models.Message, len(c.buffer))
	copy(snapshot, c.buffer)
	c.buffer = c.buffer[:0]

	if c.sink != nil {
		c.sink(snapshot)
	}
}

// Len returns the number of buffered messages
func (c *Collector) Len() int {
	return len(c.buffer)
}
