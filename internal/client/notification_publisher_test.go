package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: "SPEND_NOTIFICATIONS", Sequence: uint64(len(f.msgs))}, nil
}

func TestNotify_PublishesEvent(t *testing.T) {
	js := &fakeJetStream{}
	p := newNotificationPublisher(js, "", logger.Nop())

	p.Notify(context.Background(), service.Notification{
		EventType:    service.EventEscalationCreated,
		Roles:        []string{"gm"},
		ActorID:      "requester-1",
		ResourceType: "escalation",
		ResourceID:   "esc-1",
		Payload:      map[string]any{"amount": 20000},
	})

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "notifications.spend.escalation_created", js.msgs[0].subject)

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &ev))
	assert.Equal(t, service.EventEscalationCreated, ev.EventType)
	assert.Equal(t, []string{"gm"}, ev.RecipientRoles)
	assert.Empty(t, ev.Recipients)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "info", ev.Severity)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, float64(20000), ev.Payload["amount"])
}

func TestNotify_SkipsEventsWithoutRecipients(t *testing.T) {
	js := &fakeJetStream{}
	p := newNotificationPublisher(js, "custom", logger.Nop())

	p.Notify(context.Background(), service.Notification{EventType: service.EventCompliancePaid})
	assert.Empty(t, js.msgs)

	p.Notify(context.Background(), service.Notification{EventType: service.EventDeductionCreated, UserID: "u-1"})
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "custom.deduction_created", js.msgs[0].subject)
}

func TestNotify_FailuresAreSwallowed(t *testing.T) {
	js := &fakeJetStream{err: fmt.Errorf("no responders")}
	p := newNotificationPublisher(js, "", logger.Nop())

	assert.NotPanics(t, func() {
		p.Notify(context.Background(), service.Notification{EventType: service.EventEscalationRejected, UserID: "u-1"})
	})

	var nilPublisher *NotificationPublisher
	assert.NotPanics(t, func() {
		nilPublisher.Notify(context.Background(), service.Notification{EventType: service.EventEscalationRejected, UserID: "u-1"})
	})
}
