package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/publisher"
)

var _ publisher.TransitionNotifier = (*TransitionPublisher)(nil)

const (
	ExchangeName = "fleet.events"
	QueueName    = "geofence_transitions"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type TransitionPublisher struct {
	ch channel
}

func NewTransitionPublisher(conn *amqp.Connection) (*TransitionPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		return nil, err
	}
	return &TransitionPublisher{ch: ch}, nil
}

// DeclareTopology declares the fanout exchange and the durable transition
// queue bound to it. It is shared with the event listener.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(QueueName, "", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// TransitionMessage is the JSON body published for every event.
type TransitionMessage struct {
	EventKey         string                `json:"event_key"`
	EntityID         string                `json:"entity_id"`
	GeofenceID       int64                 `json:"geofence_id"`
	LocationCode     string                `json:"location_code"`
	DisplayName      string                `json:"display_name"`
	Kind             domain.TransitionKind `json:"kind"`
	OccurredAt       time.Time             `json:"occurred_at"`
	TriggeringPingID string                `json:"triggering_ping_id"`
}

func (p *TransitionPublisher) Notify(ctx context.Context, ev domain.TransitionEvent) error {
	msg := TransitionMessage{
		EventKey:         ev.Key(),
		EntityID:         ev.EntityID,
		GeofenceID:       ev.GeofenceID,
		LocationCode:     ev.LocationCode,
		DisplayName:      ev.DisplayName,
		Kind:             ev.Kind,
		OccurredAt:       ev.OccurredAt.UTC(),
		TriggeringPingID: ev.TriggeringPingID,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	return p.ch.PublishWithContext(ctx, ExchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventKey,
		Timestamp:    msg.OccurredAt,
		Type:         string(ev.Kind),
		Body:         body,
	})
}
