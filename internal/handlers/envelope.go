package handlers

import (
	"context"
	"errors"

	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/memory"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
)

// ErrInvalidEnvelope is returned for envelopes that cannot be stored
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Store persists relayed batches
type Store interface {
	Apply(ctx context.Context, env *models.Envelope) (memory.Report, error)
}

// EnvelopeHandler is the persistence owner's side of the relay
type EnvelopeHandler struct {
	store Store
}

func NewEnvelopeHandler(store Store) *EnvelopeHandler {
	return &EnvelopeHandler{
		store: store,
	}
}

// HandleEnvelope validates a relayed batch and stores it
func (h *EnvelopeHandler) HandleEnvelope(ctx context.Context, env *models.Envelope) error {
	if err := h.validateEnvelope(env); err != nil {
		return err
	}

	rep, err := h.store.Apply(ctx, env)
	if err != nil {
		return goerr.Wrap(err, "failed to store batch",
			goerr.V("platform", env.Platform),
			goerr.V("conversation_id", env.ConversationID),
		)
	}

	logger := logging.From(ctx)
	if rep.Stage == memory.StageWipe {
		logger.Warn("store was wiped to fit quota",
			"conversation_id", env.ConversationID,
			"size", rep.After,
		)
	}
	logger.Info("batch stored",
		"platform", env.Platform,
		"conversation_id", env.ConversationID,
		"messages", len(env.Messages),
		"eviction_stage", rep.Stage,
	)
	return nil
}

func (h *EnvelopeHandler) validateEnvelope(env *models.Envelope) error {
	if env == nil {
		return goerr.Wrap(ErrInvalidEnvelope, "envelope is nil")
	}
	if env.Type != models.EnvelopeChatHistoryUpdate {
		return goerr.Wrap(ErrInvalidEnvelope, "unsupported envelope type", goerr.V("type", env.Type))
	}
	if env.Platform == "" {
		return goerr.Wrap(ErrInvalidEnvelope, "platform is required")
	}
	if env.ConversationID == "" {
		return goerr.Wrap(ErrInvalidEnvelope, "conversationId is required")
	}
	if len(env.Messages) == 0 {
		return goerr.Wrap(ErrInvalidEnvelope, "messages are required")
	}
	for i, msg := range env.Messages {
		if !msg.Role.Valid() {
			return goerr.Wrap(ErrInvalidEnvelope, "invalid message role", goerr.V("index", i), goerr.V("role", msg.Role))
		}
		if msg.Content == "" {
			return goerr.Wrap(ErrInvalidEnvelope, "message content is empty", goerr.V("index", i))
		}
	}
	return nil
}
