package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type fakeChannel struct {
	publishFn func(exchange, key string, msg amqp.Publishing) error
	exchange  string
	msg       amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange = exchange
	f.msg = msg
	if f.publishFn != nil {
		return f.publishFn(exchange, key, msg)
	}
	return nil
}

func TestNotify_PublishesTransition(t *testing.T) {
	ch := &fakeChannel{}
	p := &TransitionPublisher{ch: ch}

	ts := time.Unix(1715003456, 0)
	ev := domain.TransitionEvent{
		EntityID: "emp-1", GeofenceID: 38, LocationCode: "SUC-38", DisplayName: "Sucursal 38",
		Kind: domain.TransitionEnter, OccurredAt: ts, TriggeringPingID: "ping-2",
	}
	if err := p.Notify(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ch.exchange != ExchangeName {
		t.Errorf("expected exchange %s, got %s", ExchangeName, ch.exchange)
	}
	if ch.msg.MessageId != ev.Key() {
		t.Errorf("expected message id %s, got %s", ev.Key(), ch.msg.MessageId)
	}
	if ch.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery")
	}

	var got TransitionMessage
	if err := json.Unmarshal(ch.msg.Body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Kind != domain.TransitionEnter || got.GeofenceID != 38 || got.LocationCode != "SUC-38" {
		t.Errorf("unexpected message: %+v", got)
	}
	if !got.OccurredAt.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, got.OccurredAt)
	}
}

func TestNotify_PublishError(t *testing.T) {
	ch := &fakeChannel{publishFn: func(string, string, amqp.Publishing) error {
		return errors.New("channel closed")
	}}
	p := &TransitionPublisher{ch: ch}

	err := p.Notify(context.Background(), domain.TransitionEvent{EntityID: "emp-1", Kind: domain.TransitionExit})
	if err == nil {
		t.Fatal("expected error")
	}
}
