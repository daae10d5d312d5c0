package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/chatcapture/internal/config"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nats-io/nats.go"
)

// Handler consumes relayed envelopes
type Handler interface {
	HandleEnvelope(ctx context.Context, env *models.Envelope) error
}

func connect(ctx context.Context, cfg *config.Config, role string) (*nats.Conn, error) {
	logger := logging.From(ctx)
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName+"-"+role),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to NATS", goerr.V("url", cfg.NatsURL))
	}

	logger.Info("connected to NATS server", "url", cfg.NatsURL, "role", role)
	return conn, nil
}

// NATSPublisher relays envelopes by publishing them on a subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(ctx context.Context, cfg *config.Config) (*NATSPublisher, error) {
	conn, err := connect(ctx, cfg, "publisher")
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: cfg.NatsSubject,
	}, nil
}

// Send publishes env. Delivery is not confirmed.
func (p *NATSPublisher) Send(_ context.Context, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal envelope")
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return goerr.Wrap(err, "failed to publish envelope", goerr.V("subject", p.subject))
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
			return goerr.Wrap(err, "failed to drain NATS connection")
		}
	}
	return nil
}

// NATSConsumer subscribes to relayed envelopes and hands them to a Handler
type NATSConsumer struct {
	conn    *nats.Conn
	config  *config.Config
	handler Handler
	ctx     context.Context
	sub     *nats.Subscription
}

func NewNATSConsumer(ctx context.Context, cfg *config.Config, handler Handler) (*NATSConsumer, error) {
	conn, err := connect(ctx, cfg, "consumer")
	if err != nil {
		return nil, err
	}

	return &NATSConsumer{
		conn:    conn,
		config:  cfg,
		handler: handler,
		ctx:     logging.Component(ctx, "consumer"),
	}, nil
}

func (nc *NATSConsumer) Start() error {
	// Queue group so several store owners split the stream
	sub, err := nc.conn.QueueSubscribe(nc.config.NatsSubject, nc.config.NatsQueue, nc.handleEnvelope)
	if err != nil {
		return goerr.Wrap(err, "failed to subscribe",
			goerr.V("subject", nc.config.NatsSubject),
			goerr.V("queue", nc.config.NatsQueue),
		)
	}
	nc.sub = sub

	logging.From(nc.ctx).Info("subscribed to subject",
		"subject", nc.config.NatsSubject,
		"queue", nc.config.NatsQueue,
	)
	return nil
}

func (nc *NATSConsumer) handleEnvelope(msg *nats.Msg) {
	logger := logging.From(nc.ctx)

	var env models.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Warn("error parsing envelope", "error", err, "subject", msg.Subject)
		nc.respond(msg, goerr.Wrap(err, "invalid envelope format"))
		return
	}

	ctx, cancel := context.WithTimeout(nc.ctx, nc.config.NatsTimeout)
	defer cancel()

	err := nc.handler.HandleEnvelope(ctx, &env)
	if err != nil {
		logger.Error("error handling envelope",
			"error", err,
			"conversation_id", env.ConversationID,
		)
	}
	nc.respond(msg, err)
}

// respond acks envelopes sent as requests; plain publishes get no answer
func (nc *NATSConsumer) respond(msg *nats.Msg, handleErr error) {
	if msg.Reply == "" {
		return
	}

	ack := models.Ack{Status: models.AckOK}
	if handleErr != nil {
		ack = models.Ack{Status: models.AckError, Error: handleErr.Error()}
	}

	data, err := json.Marshal(ack)
	if err != nil {
		logging.From(nc.ctx).Error("failed to marshal ack", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		logging.From(nc.ctx).Warn("failed to send ack", "error", err)
	}
}

func (nc *NATSConsumer) Close() error {
	if nc.sub != nil {
		if err := nc.sub.Unsubscribe(); err != nil {
			logging.From(nc.ctx).Warn("failed to unsubscribe", "error", err)
		}
	}
	if nc.conn != nil {
		nc.conn.Close()
		logging.From(nc.ctx).Info("NATS connection closed")
	}
	return nil
}
