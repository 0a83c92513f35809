package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
)

type mockNormalizer struct {
	normalizeFn func(ctx context.Context, raw []byte, protocol domain.SourceProtocol, hint string) (*domain.LocationPing, error)
}

func (m *mockNormalizer) NormalizeWithDevice(ctx context.Context, raw []byte, protocol domain.SourceProtocol, hint string) (*domain.LocationPing, error) {
	return m.normalizeFn(ctx, raw, protocol, hint)
}

type mockSaver struct {
	saveFn func(ctx context.Context, ping *domain.LocationPing) error
	saved  int
}

func (m *mockSaver) SaveLocation(ctx context.Context, ping *domain.LocationPing) error {
	m.saved++
	if m.saveFn != nil {
		return m.saveFn(ctx, ping)
	}
	return nil
}

type mockDetector struct {
	processFn func(ctx context.Context, ping *domain.LocationPing) ([]domain.TransitionEvent, error)
}

func (m *mockDetector) ProcessLocation(ctx context.Context, ping *domain.LocationPing) ([]domain.TransitionEvent, error) {
	return m.processFn(ctx, ping)
}

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, events []domain.TransitionEvent) error
	calls      [][]domain.TransitionEvent
}

func (m *mockDispatcher) Dispatch(ctx context.Context, events []domain.TransitionEvent) error {
	m.calls = append(m.calls, events)
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, events)
	}
	return nil
}

func fixedPing() *domain.LocationPing {
	return &domain.LocationPing{ID: "ping-1", EntityID: "emp-1", Latitude: 25.65, Longitude: -100.38, Timestamp: baseTime}
}

func okNormalizer() *mockNormalizer {
	return &mockNormalizer{normalizeFn: func(context.Context, []byte, domain.SourceProtocol, string) (*domain.LocationPing, error) {
		return fixedPing(), nil
	}}
}

func enterDetector() *mockDetector {
	return &mockDetector{processFn: func(_ context.Context, p *domain.LocationPing) ([]domain.TransitionEvent, error) {
		return []domain.TransitionEvent{{EntityID: p.EntityID, GeofenceID: 38, Kind: domain.TransitionEnter, OccurredAt: p.Timestamp}}, nil
	}}
}

func TestIngest_FullPipeline(t *testing.T) {
	saver := &mockSaver{}
	disp := &mockDispatcher{}
	svc := NewIngestService(okNormalizer(), saver, enterDetector(), disp, 0, quietLogger(), nil)

	res, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolFleet, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Ping.ID != "ping-1" {
		t.Errorf("expected ping-1, got %s", res.Ping.ID)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(res.Events))
	}
	if saver.saved != 1 {
		t.Errorf("expected ping saved once, got %d", saver.saved)
	}
	if len(disp.calls) != 1 {
		t.Errorf("expected one dispatch, got %d", len(disp.calls))
	}
}

func TestIngest_NormalizationErrorStops(t *testing.T) {
	norm := &mockNormalizer{normalizeFn: func(context.Context, []byte, domain.SourceProtocol, string) (*domain.LocationPing, error) {
		return nil, &domain.NormalizationError{Kind: domain.ErrUnknownEntity, Protocol: domain.ProtocolPush}
	}}
	saver := &mockSaver{}
	svc := NewIngestService(norm, saver, enterDetector(), &mockDispatcher{}, 0, quietLogger(), nil)

	res, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolPush, "")
	if !errors.Is(err, domain.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if res != nil {
		t.Fatal("expected no result")
	}
	if saver.saved != 0 {
		t.Fatal("rejected ping must not be saved")
	}
}

func TestIngest_SaveFailureDoesNotBlockDetection(t *testing.T) {
	saver := &mockSaver{saveFn: func(context.Context, *domain.LocationPing) error {
		return context.DeadlineExceeded
	}}
	disp := &mockDispatcher{}
	svc := NewIngestService(okNormalizer(), saver, enterDetector(), disp, 0, quietLogger(), nil)

	res, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolFleet, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Events) != 1 || len(disp.calls) != 1 {
		t.Fatal("expected detection and dispatch to run")
	}
}

func TestIngest_DispatchFailureIsRetryable(t *testing.T) {
	disp := &mockDispatcher{dispatchFn: func(context.Context, []domain.TransitionEvent) error {
		return domain.PersistenceError("persist transition", context.DeadlineExceeded)
	}}
	svc := NewIngestService(okNormalizer(), &mockSaver{}, enterDetector(), disp, 0, quietLogger(), nil)

	res, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolFleet, "")
	if res == nil || len(res.Events) != 1 {
		t.Fatal("expected the applied result")
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestIngest_NoEventsSkipsDispatch(t *testing.T) {
	det := &mockDetector{processFn: func(context.Context, *domain.LocationPing) ([]domain.TransitionEvent, error) {
		return nil, nil
	}}
	disp := &mockDispatcher{}
	svc := NewIngestService(okNormalizer(), &mockSaver{}, det, disp, 0, quietLogger(), nil)

	if _, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolFleet, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disp.calls) != 0 {
		t.Fatal("dispatch must not be called without events")
	}
}

func TestIngest_EngineError(t *testing.T) {
	det := &mockDetector{processFn: func(context.Context, *domain.LocationPing) ([]domain.TransitionEvent, error) {
		return nil, context.Canceled
	}}
	svc := NewIngestService(okNormalizer(), &mockSaver{}, det, &mockDispatcher{}, 0, quietLogger(), nil)

	if _, err := svc.Ingest(context.Background(), []byte(`{}`), domain.ProtocolFleet, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIngest_EndToEndWithEngine(t *testing.T) {
	f := newEngineFixture(t, DefaultEngineConfig(), circleGeofence(38, sucursal38, 80))
	n := NewNormalizer(knownDevices(map[string]string{"TRK-7": "emp-3"}), f.store, DefaultNormalizerConfig())
	disp := &mockDispatcher{}
	svc := NewIngestService(n, &mockSaver{}, f.engine, disp, 0, quietLogger(), nil)

	in := []byte(`{"vehicle_id":"TRK-7","latitude":25.6505422,"longitude":-100.3838798,"accuracy":5,"timestamp":1715003456}`)
	res, err := svc.Ingest(context.Background(), in, domain.ProtocolFleet, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Kind != domain.TransitionEnter {
		t.Fatalf("expected ENTER, got %+v", res.Events)
	}
	if res.Events[0].TriggeringPingID != res.Ping.ID {
		t.Error("event must reference the triggering ping")
	}

	// a payload well behind the last accepted ping is rejected as stale
	old := []byte(`{"vehicle_id":"TRK-7","latitude":25.6505422,"longitude":-100.3838798,"accuracy":5,"timestamp":1715000000}`)
	if _, err := svc.Ingest(context.Background(), old, domain.ProtocolFleet, ""); !errors.Is(err, domain.ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestIngest_OutOfOrderPingNotSavedOrAccepted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	f := newEngineFixture(t, DefaultEngineConfig(), circleGeofence(38, sucursal38, 80))
	seq := 10
	norm := &mockNormalizer{normalizeFn: func(context.Context, []byte, domain.SourceProtocol, string) (*domain.LocationPing, error) {
		return pingAt("emp-1", sucursal38, 5, seq), nil
	}}
	saver := &mockSaver{}
	disp := &mockDispatcher{}
	svc := NewIngestService(norm, saver, f.engine, disp, 0, quietLogger(), m)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, []byte(`{}`), domain.ProtocolFleet, "")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	// inside the normalizer's tolerance but behind the engine's last ping
	seq = 5
	res, err = svc.Ingest(ctx, []byte(`{}`), domain.ProtocolFleet, "")
	require.ErrorIs(t, err, domain.ErrStaleTimestamp)
	var nerr *domain.NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Nil(t, res)
	assert.Equal(t, 1, saver.saved, "stale ping must not reach the history")
	assert.Len(t, disp.calls, 1)

	expected := `
		# HELP geofence_pings_total Location pings received, by source protocol and outcome
		# TYPE geofence_pings_total counter
		geofence_pings_total{outcome="accepted",protocol="fleet"} 1
		geofence_pings_total{outcome="stale",protocol="fleet"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "geofence_pings_total"))
}
