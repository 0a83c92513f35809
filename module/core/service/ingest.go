package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
)

type pingNormalizer interface {
	NormalizeWithDevice(ctx context.Context, raw []byte, protocol domain.SourceProtocol, deviceHint string) (*domain.LocationPing, error)
}

type locationSaver interface {
	SaveLocation(ctx context.Context, ping *domain.LocationPing) error
}

type transitionDetector interface {
	ProcessLocation(ctx context.Context, ping *domain.LocationPing) ([]domain.TransitionEvent, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, events []domain.TransitionEvent) error
}

type IngestResult struct {
	Ping   *domain.LocationPing
	Events []domain.TransitionEvent
}

// IngestService runs one raw payload through the whole pipeline:
// normalize, detect transitions, record the ping, dispatch. Only pings the
// engine applied reach the history.
type IngestService struct {
	normalizer     pingNormalizer
	locations      locationSaver
	engine         transitionDetector
	dispatcher     eventDispatcher
	storageTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

func NewIngestService(n pingNormalizer, locations locationSaver, engine transitionDetector, dispatcher eventDispatcher, storageTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *IngestService {
	if storageTimeout <= 0 {
		storageTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		normalizer:     n,
		locations:      locations,
		engine:         engine,
		dispatcher:     dispatcher,
		storageTimeout: storageTimeout,
		logger:         logger.With("component", "ingest"),
		metrics:        m,
	}
}

// Ingest processes one payload. A *domain.NormalizationError means the ping
// was dropped. When the result is non-nil the ping was applied; a non-nil
// error next to it reports a retryable persistence problem that the
// dispatcher backlog already covers.
func (s *IngestService) Ingest(ctx context.Context, raw []byte, protocol domain.SourceProtocol, deviceHint string) (*IngestResult, error) {
	ping, err := s.normalizer.NormalizeWithDevice(ctx, raw, protocol, deviceHint)
	if err != nil {
		s.metrics.PingReceived(string(protocol), rejectOutcome(err))
		s.logger.Warn("ping rejected", "protocol", protocol, "device_hint", deviceHint, "error", err)
		return nil, err
	}

	events, err := s.engine.ProcessLocation(ctx, ping)
	if err != nil {
		var nerr *domain.NormalizationError
		if errors.As(err, &nerr) {
			s.metrics.PingReceived(string(protocol), rejectOutcome(err))
			s.logger.Debug("ping rejected by engine", "entity_id", ping.EntityID, "ping_id", ping.ID, "error", err)
			return nil, err
		}
		s.metrics.PingReceived(string(protocol), "error")
		return nil, fmt.Errorf("process location: %w", err)
	}
	s.metrics.PingReceived(string(protocol), "accepted")

	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	if err := s.locations.SaveLocation(sctx, ping); err != nil {
		// history is informational; dispatch goes on without it
		s.logger.Error("save location failed", "entity_id", ping.EntityID, "ping_id", ping.ID,
			"error", domain.PersistenceError("save location", err))
	}
	cancel()

	result := &IngestResult{Ping: ping, Events: events}
	if len(events) == 0 {
		return result, nil
	}
	if err := s.dispatcher.Dispatch(ctx, events); err != nil {
		s.logger.Error("dispatch failed, events kept for sweep",
			"entity_id", ping.EntityID, "events", len(events), "error", err)
		return result, err
	}
	return result, nil
}

func rejectOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, domain.ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, domain.ErrStaleTimestamp):
		return "stale"
	default:
		return "error"
	}
}
