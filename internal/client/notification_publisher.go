package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
)

// DefaultSubjectPrefix is prepended to every event type.
const DefaultSubjectPrefix = "notifications.spend"

// jetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes spend-control events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: notifications.spend.<event_type>
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt a decision or a
// compliance transition. A nil publisher drops every event.
type NotificationPublisher struct {
	js     jetStreamPublisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	ActorID        string         `json:"actor_id"`
	Recipients     []string       `json:"recipients,omitempty"`
	RecipientRoles []string       `json:"recipient_roles,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	IsActionable   bool           `json:"is_actionable,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Category       string         `json:"category,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NATSConfig configures the JetStream connection.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Timeout       time.Duration
}

// ConnectNotificationPublisher dials NATS and makes sure the notification
// stream exists. The returned close func drains the connection.
func ConnectNotificationPublisher(ctx context.Context, cfg NATSConfig, log *logger.Logger) (*NotificationPublisher, func(), error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Stream == "" {
		cfg.Stream = "SPEND_NOTIFICATIONS"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("spend-control"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	closeFn := func() {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
	return newNotificationPublisher(js, cfg.SubjectPrefix, log), closeFn, nil
}

func newNotificationPublisher(js jetStreamPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NotificationPublisher{js: js, prefix: prefix, log: log.Component("notifications")}
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(ctx context.Context, n service.Notification) {
	if p == nil || p.js == nil {
		return
	}

	event := &NotificationEvent{
		EventID:      uuid.NewString(),
		EventType:    n.EventType,
		ActorID:      n.ActorID,
		ResourceType: n.ResourceType,
		ResourceID:   n.ResourceID,
		IsActionable: n.EventType == service.EventEscalationCreated,
		Severity:     severityFor(n.EventType),
		Category:     "spend_control",
		OccurredAt:   time.Now().UTC(),
		Payload:      n.Payload,
	}
	if n.UserID != "" {
		event.Recipients = []string{n.UserID}
	}
	event.RecipientRoles = n.Roles
	if len(event.Recipients) == 0 && len(event.RecipientRoles) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, n.EventType)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID)); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", n.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", n.ResourceID).
		Msg("notification: event published")
}

func severityFor(eventType string) string {
	switch eventType {
	case service.EventEscalationRejected, service.EventEscalationExpired, service.EventDeductionCreated:
		return "warning"
	}
	return "info"
}
