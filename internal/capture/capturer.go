// Package capture schedules scans of an observed conversation surface and
// feeds newly seen messages through deduplication and batching to a relay.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/chatcapture/internal/batch"
	"github.com/avvvet/chatcapture/internal/dedup"
	"github.com/avvvet/chatcapture/internal/extractor"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/avvvet/chatcapture/internal/sched"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultDebounce         = 300 * time.Millisecond
	DefaultBackstop         = 5 * time.Second
	DefaultMinContentLength = 2
)

// Relay delivers envelopes to the persistence owner. Delivery is
// fire-and-forget: errors are logged by the caller and never retried.
type Relay interface {
	Send(ctx context.Context, env *models.Envelope) error
}

// State is the lifecycle state of a Capturer
type State int

const (
	Stopped State = iota
	Starting
	Capturing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats counts scan outcomes since construction
type Stats struct {
	Scans       int
	Accepted    int
	Duplicates  int
	Skipped     int
	Batches     int
	RelayErrors int
}

// Capturer is the scan scheduler. Notify may be called from any goroutine;
// every other method, State, Stats and ConversationID included, must run
// on the scheduler thread or after the scheduler has stopped.
type Capturer struct {
	s       sched.Scheduler
	surface extractor.Surface
	ext     extractor.Extractor
	relay   Relay

	debounceDelay time.Duration
	backstopDelay time.Duration
	minContentLen int
	dedupOpts     []dedup.Option
	batchOpts     []batch.Option

	dedup     *dedup.Deduplicator
	collector *batch.Collector
	debouncer *sched.Debouncer

	ctx         context.Context
	state       State
	scanning    bool
	backstop    sched.Token
	stopSweep   func()
	stopObserve func()
	convID      string
	url         string
	fallbackID  string
	fallbackURL string
	stats       Stats
}

// Option configures a Capturer
type Option func(*Capturer)

// WithDebounce sets the notification coalescing delay
func WithDebounce(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.debounceDelay = d
		}
	}
}

// WithBackstop sets the unconditional re-scan period
func WithBackstop(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.backstopDelay = d
		}
	}
}

// WithMinContentLength drops messages with fewer runes than n
func WithMinContentLength(n int) Option {
	return func(c *Capturer) {
		if n > 0 {
			c.minContentLen = n
		}
	}
}

// WithDedupOptions configures the owned Deduplicator
func WithDedupOptions(opts ...dedup.Option) Option {
	return func(c *Capturer) {
		c.dedupOpts = append(c.dedupOpts, opts...)
	}
}

// WithBatchOptions configures the owned batch Collector
func WithBatchOptions(opts ...batch.Option) Option {
	return func(c *Capturer) {
		c.batchOpts = append(c.batchOpts, opts...)
	}
}

// New creates a stopped Capturer
func New(s sched.Scheduler, surface extractor.Surface, ext extractor.Extractor, relay Relay, opts ...Option) *Capturer {
	c := &Capturer{
		s:             s,
		surface:       surface,
		ext:           ext,
		relay:         relay,
		debounceDelay: DefaultDebounce,
		backstopDelay: DefaultBackstop,
		minContentLen: DefaultMinContentLength,
		ctx:           context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.dedup = dedup.New(c.dedupOpts...)
	c.collector = batch.New(s, c.deliver, c.batchOpts...)
	c.debouncer = sched.NewDebouncer(s, c.debounceDelay, c.Scan)
	return c
}

// State returns the lifecycle state
func (c *Capturer) State() State { return c.state }

// Stats returns scan counters
func (c *Capturer) Stats() Stats { return c.stats }

// ConversationID returns the id envelopes are currently labelled with
func (c *Capturer) ConversationID() string { return c.convID }

// Start begins capturing. Calling it while already started is a no-op.
func (c *Capturer) Start(ctx context.Context) {
	if c.state != Stopped {
		return
	}
	c.state = Starting
	c.ctx = logging.Component(ctx, "capture")

	c.convID, c.url = c.identity()
	logging.From(c.ctx).Info("capture starting",
		"platform", c.ext.Platform(),
		"conversation_id", c.convID,
		"url", c.url,
	)

	c.stopSweep = c.dedup.Run(c.s)
	c.Scan()
	c.observe()
	c.backstop = c.s.Every(c.backstopDelay, c.Scan)

	c.state = Capturing
}

// Stop tears down timers and the subscription, then flushes buffered
// messages. No message is accepted after Stop returns. Stopping a stopped
// Capturer is a no-op.
func (c *Capturer) Stop() {
	if c.state == Stopped {
		return
	}
	c.state = Stopped

	if c.stopObserve != nil {
		c.stopObserve()
		c.stopObserve = nil
	}
	c.debouncer.Stop()
	c.s.Cancel(c.backstop)
	c.backstop = 0
	if c.stopSweep != nil {
		c.stopSweep()
		c.stopSweep = nil
	}

	c.collector.Flush()
	logging.From(c.ctx).Info("capture stopped",
		"scans", c.stats.Scans,
		"accepted", c.stats.Accepted,
		"batches", c.stats.Batches,
	)
}

// Notify schedules a debounced scan. Surfaces call it from any goroutine.
func (c *Capturer) Notify() {
	c.s.Do(func() {
		if c.state == Stopped {
			return
		}
		c.debouncer.Trigger()
	})
}

func (c *Capturer) observe() {
	if c.stopObserve != nil {
		return
	}
	container := c.ext.Selectors().Container
	cancel, err := c.surface.Observe(container, c.Notify)
	if err != nil {
		logging.From(c.ctx).Warn("cannot observe container, relying on backstop scans",
			"selector", container,
			"error", err,
		)
		return
	}
	c.stopObserve = cancel
}

// identity reads the current conversation id and address
func (c *Capturer) identity() (string, string) {
	url := c.surface.URL()
	id := c.ext.ConversationID()
	if id == "" {
		if c.fallbackID == "" || c.fallbackURL != url {
			c.fallbackID = "draft-" + uuid.New().String()
			c.fallbackURL = url
		}
		id = c.fallbackID
	}
	return id, url
}

// Scan extracts the surface once. Scans never overlap.
func (c *Capturer) Scan() {
	if c.state == Stopped || c.scanning {
		return
	}
	c.scanning = true
	defer func() { c.scanning = false }()
	c.stats.Scans++

	logger := logging.From(c.ctx)

	id, url := c.identity()
	if id != c.convID || url != c.url {
		// keep buffered messages labelled with the conversation they came from
		c.collector.Flush()
		c.dedup.Clear()
		logger.Info("conversation switched",
			"from", c.convID,
			"to", id,
			"url", url,
		)
		c.convID, c.url = id, url
	}

	selectors := c.ext.Selectors()
	container := c.surface.Find(selectors.Container)
	if container == nil {
		logger.Warn("message container not found", "selector", selectors.Container)
		return
	}
	if c.stopObserve == nil && c.state == Capturing {
		c.observe()
	}

	for _, el := range container.FindAll(selectors.Messages()) {
		msg, ok := c.extract(el)
		if !ok {
			c.stats.Skipped++
			continue
		}
		if c.dedup.IsDuplicate(msg.Content, msg.Timestamp) {
			c.stats.Duplicates++
			continue
		}
		c.stats.Accepted++
		c.collector.Add(msg)
	}
}

// extract turns one element into a message; failures skip the element
func (c *Capturer) extract(el extractor.Element) (msg models.Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.From(c.ctx).Warn("element extraction panicked", "panic", r)
			ok = false
		}
	}()

	if !el.Attached() {
		return models.Message{}, false
	}

	role := c.ext.DetectRole(el)
	if !role.Valid() {
		return models.Message{}, false
	}

	content, err := c.ext.ExtractContent(el, role)
	if err != nil {
		logging.From(c.ctx).Debug("skipping element", "role", role, "error", err)
		return models.Message{}, false
	}
	if len([]rune(content)) < c.minContentLen {
		return models.Message{}, false
	}

	msg = models.Message{
		Role:      role,
		Content:   content,
		Timestamp: sched.UnixMilli(c.s),
	}
	if idx, ok := c.ext.(extractor.IDExtractor); ok {
		msg.ID = idx.MessageID(el)
	}
	return msg, true
}

// deliver is the collector sink
func (c *Capturer) deliver(messages []models.Message) {
	c.stats.Batches++
	env := &models.Envelope{
		Type:           models.EnvelopeChatHistoryUpdate,
		Platform:       c.ext.Platform(),
		ConversationID: c.convID,
		URL:            c.url,
		Messages:       messages,
		Timestamp:      sched.UnixMilli(c.s),
	}

	if c.relay == nil {
		return
	}
	if err := c.relay.Send(c.ctx, env); err != nil {
		c.stats.RelayErrors++
		logging.From(c.ctx).Error("failed to relay batch",
			"error", goerr.Wrap(err, "relay send failed",
				goerr.V("conversation_id", env.ConversationID),
				goerr.V("messages", len(messages)),
			),
		)
		return
	}
	logging.From(c.ctx).Debug("batch relayed",
		"conversation_id", env.ConversationID,
		"messages", len(messages),
	)
}
