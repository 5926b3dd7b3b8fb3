package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/tesseract-hub/preferences-service/internal/models"
)

// Envelope is the wire form of a change event. Origin identifies the
// instance that made the write.
type Envelope struct {
	Origin string             `json:"origin"`
	Event  models.ChangeEvent `json:"event"`
}

// JetStreamPublisher is the subset of nats.JetStreamContext used for publishing
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher forwards change events to JetStream. It satisfies watcher.Sink.
type Publisher struct {
	js        JetStreamPublisher
	subject   func(eventType string) string
	origin    string
	logger    *logrus.Logger
	connected func() bool
}

// NewPublisher creates a new change event publisher
func NewPublisher(client *Client, origin string, logger *logrus.Logger) *Publisher {
	p := &Publisher{
		origin: origin,
		logger: logger,
		subject: func(eventType string) string {
			return DefaultConfig().SubjectPrefix + "." + eventType
		},
		connected: func() bool { return false },
	}
	if client != nil {
		p.js = client.JetStream()
		p.subject = client.Subject
		p.connected = client.IsConnected
	}
	return p
}

// NewPublisherWith builds a publisher over an existing JetStream context
func NewPublisherWith(js JetStreamPublisher, subjectPrefix, origin string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		js:        js,
		origin:    origin,
		logger:    logger,
		subject:   func(eventType string) string { return subjectPrefix + "." + eventType },
		connected: func() bool { return js != nil },
	}
}

// Publish sends one change event. Events are deduplicated by ID on the stream.
func (p *Publisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	if p.js == nil || !p.connected() {
		p.logger.Warn("NATS not connected, skipping event publish")
		return nil
	}

	data, err := json.Marshal(Envelope{Origin: p.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	subject := p.subject(string(event.Type))
	ack, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID.String()))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"subject":    subject,
		}).WithError(err).Error("Failed to publish change event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type": event.Type,
		"sequence":   ack.Sequence,
		"stream":     ack.Stream,
		"duplicate":  ack.Duplicate,
	}).Debug("Published change event")
	return nil
}
