package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications platform service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.approval_required.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt approval operations.
// Implements workflow.Notifier.
type NotificationPublisher struct {
	js     nats.JetStreamContext
	prefix string
	log    zerolog.Logger
}

// NewNotificationPublisher connects to NATS and returns a publisher.
func NewNotificationPublisher(natsURL, subjectPrefix string, log zerolog.Logger) (*NotificationPublisher, func(), error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("be-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &NotificationPublisher{js: js, prefix: subjectPrefix, log: log}
	return p, nc.Close, nil
}

// Notify publishes one approval event. Subject: <prefix>.<event_type>.
func (p *NotificationPublisher) Notify(ctx context.Context, n workflow.Notification) {
	if len(n.Recipients) == 0 {
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, n.EventType)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", n.InstanceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", n.InstanceID).
		Int("recipients", len(n.Recipients)).
		Msg("notification: event published")
}
