package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrRelayClosed is returned by Send after Close
	ErrRelayClosed = errors.New("relay closed")
	// ErrQueueFull is returned by Send when the dispatch buffer is full
	ErrQueueFull = errors.New("relay queue full")
)

// Local relays envelopes to an in-process Handler on its own goroutine, so
// Send never waits for storage.
type Local struct {
	handler Handler
	queue   chan *models.Envelope

	mu     sync.RWMutex
	closed bool
}

func NewLocal(handler Handler, buffer int) *Local {
	if buffer <= 0 {
		buffer = 1
	}
	return &Local{
		handler: handler,
		queue:   make(chan *models.Envelope, buffer),
	}
}

// Send enqueues env without blocking
func (l *Local) Send(_ context.Context, env *models.Envelope) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrRelayClosed
	}
	select {
	case l.queue <- env:
		return nil
	default:
		return goerr.Wrap(ErrQueueFull, "envelope dropped",
			goerr.V("conversation_id", env.ConversationID),
			goerr.V("capacity", cap(l.queue)),
		)
	}
}

// Run dispatches queued envelopes until Close has been called and the queue
// is drained, or ctx is done. Handler errors are logged.
func (l *Local) Run(ctx context.Context) error {
	ctx = logging.Component(ctx, "relay")
	logger := logging.From(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-l.queue:
			if !ok {
				return nil
			}
			if err := l.handler.HandleEnvelope(ctx, env); err != nil {
				logger.Error("error handling envelope",
					"error", err,
					"conversation_id", env.ConversationID,
				)
			}
		}
	}
}

// Close stops accepting envelopes; already queued ones are still dispatched
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	return nil
}
