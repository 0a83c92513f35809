package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/service"
)

const (
	fleetTopic   = "/fleet/entity/+/location"
	pushTopic    = "owntracks/#"
	refreshTopic = "/fleet/geofences/changed"

	pushPrefix = "owntracks/"
)

type ingestService interface {
	Ingest(ctx context.Context, raw []byte, protocol domain.SourceProtocol, deviceHint string) (*service.IngestResult, error)
}

type refreshRequester interface {
	RequestRefresh()
}

// LocationSubscriber feeds MQTT position reports into the ingest pipeline
// and turns geofence change notices into cache refresh requests.
type LocationSubscriber struct {
	client    mqtt.Client
	ingestSvc ingestService
	refresher refreshRequester
	timeout   time.Duration
	logger    *slog.Logger
}

func NewLocationSubscriber(client mqtt.Client, ingestSvc ingestService, refresher refreshRequester, timeout time.Duration, logger *slog.Logger) *LocationSubscriber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocationSubscriber{
		client:    client,
		ingestSvc: ingestSvc,
		refresher: refresher,
		timeout:   timeout,
		logger:    logger.With("component", "mqtt_subscriber"),
	}
}

func (s *LocationSubscriber) Start() error {
	handlers := map[string]mqtt.MessageHandler{
		fleetTopic:   s.handleFleet,
		pushTopic:    s.handlePush,
		refreshTopic: s.handleRefresh,
	}
	for topic, h := range handlers {
		token := s.client.Subscribe(topic, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (s *LocationSubscriber) handleFleet(_ mqtt.Client, msg mqtt.Message) {
	s.ingest(msg, domain.ProtocolFleet, fleetDevice(msg.Topic()))
}

func (s *LocationSubscriber) handlePush(_ mqtt.Client, msg mqtt.Message) {
	s.ingest(msg, domain.ProtocolPush, strings.TrimPrefix(msg.Topic(), pushPrefix))
}

func (s *LocationSubscriber) handleRefresh(_ mqtt.Client, _ mqtt.Message) {
	s.logger.Info("geofence change notice received")
	s.refresher.RequestRefresh()
}

func (s *LocationSubscriber) ingest(msg mqtt.Message, protocol domain.SourceProtocol, hint string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.ingestSvc.Ingest(ctx, msg.Payload(), protocol, hint)
	if err == nil {
		return
	}

	var nerr *domain.NormalizationError
	switch {
	case errors.As(err, &nerr):
		s.logger.Debug("location message rejected", "topic", msg.Topic(), "error", err)
	case res != nil:
		s.logger.Warn("location accepted, events queued for redelivery", "topic", msg.Topic(), "error", err)
	default:
		s.logger.Error("location message failed", "topic", msg.Topic(), "error", err)
	}
}

// fleetDevice extracts the device segment from /fleet/entity/<id>/location.
func fleetDevice(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}
