package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type mockResolver struct {
	resolveFn func(ctx context.Context, deviceID string) (string, error)
}

func (m *mockResolver) ResolveEntity(ctx context.Context, deviceID string) (string, error) {
	return m.resolveFn(ctx, deviceID)
}

type mockLastPing struct {
	last map[string]time.Time
}

func (m *mockLastPing) LastPing(entityID string) (time.Time, bool) {
	t, ok := m.last[entityID]
	return t, ok
}

func knownDevices(devices map[string]string) *mockResolver {
	return &mockResolver{resolveFn: func(_ context.Context, deviceID string) (string, error) {
		if e, ok := devices[deviceID]; ok {
			return e, nil
		}
		return "", domain.ErrNotFound
	}}
}

func newTestNormalizer(last map[string]time.Time) *Normalizer {
	n := NewNormalizer(
		knownDevices(map[string]string{"358240051111110": "emp-1", "alice/phone": "emp-2", "TRK-7": "emp-3"}),
		&mockLastPing{last: last},
		NormalizerConfig{MaxAccuracyMeters: 500, StaleTolerance: 30 * time.Second},
	)
	n.now = func() time.Time { return baseTime.Add(time.Hour) }
	n.newID = func() string { return "ping-fixed" }
	return n
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	var nerr *domain.NormalizationError
	require.True(t, errors.As(err, &nerr), "expected NormalizationError, got %v", err)
	assert.ErrorIs(t, err, kind)
}

func TestNormalize_PollingForm(t *testing.T) {
	n := newTestNormalizer(nil)
	raw := []byte("id=358240051111110&lat=25.6505422&lon=-100.3838798&accuracy=12.5&batt=81&timestamp=1715003456")

	p, err := n.Normalize(context.Background(), raw, domain.ProtocolPolling)
	require.NoError(t, err)
	assert.Equal(t, "ping-fixed", p.ID)
	assert.Equal(t, "emp-1", p.EntityID)
	assert.Equal(t, "358240051111110", p.DeviceID)
	assert.InDelta(t, 25.6505422, p.Latitude, 1e-9)
	assert.InDelta(t, -100.3838798, p.Longitude, 1e-9)
	assert.Equal(t, 12.5, p.AccuracyMeters)
	assert.True(t, p.AccuracyKnown)
	require.NotNil(t, p.BatteryPercent)
	assert.Equal(t, 81.0, *p.BatteryPercent)
	assert.Equal(t, baseTime, p.Timestamp)
	assert.Equal(t, domain.ProtocolPolling, p.SourceProtocol)
}

func TestNormalize_PollingJSONMillisAndStrings(t *testing.T) {
	n := newTestNormalizer(nil)
	raw := []byte(`{"deviceid":"358240051111110","lat":"25.65","lon":"-100.38","timestamp":1715003456000}`)

	p, err := n.Normalize(context.Background(), raw, domain.ProtocolPolling)
	require.NoError(t, err)
	assert.Equal(t, baseTime, p.Timestamp)
	assert.Nil(t, p.BatteryPercent)
	assert.False(t, p.AccuracyKnown)
	assert.Equal(t, 500.0, p.AccuracyMeters, "missing accuracy is the worst case")
}

func TestNormalize_PushOwnTracks(t *testing.T) {
	n := newTestNormalizer(nil)
	raw := []byte(`{"_type":"location","topic":"owntracks/alice/phone","tid":"ap","lat":25.65,"lon":-100.38,"acc":8,"batt":55,"tst":1715003456}`)

	p, err := n.Normalize(context.Background(), raw, domain.ProtocolPush)
	require.NoError(t, err)
	assert.Equal(t, "emp-2", p.EntityID)
	assert.Equal(t, "alice/phone", p.DeviceID)
	assert.Equal(t, 8.0, p.AccuracyMeters)
}

func TestNormalize_PushUsesTransportHint(t *testing.T) {
	n := newTestNormalizer(nil)
	raw := []byte(`{"_type":"location","lat":25.65,"lon":-100.38,"acc":8,"tst":1715003456}`)

	p, err := n.NormalizeWithDevice(context.Background(), raw, domain.ProtocolPush, "alice/phone")
	require.NoError(t, err)
	assert.Equal(t, "emp-2", p.EntityID)
}

func TestNormalize_PushNonLocationRejected(t *testing.T) {
	n := newTestNormalizer(nil)
	_, err := n.Normalize(context.Background(), []byte(`{"_type":"lwt","tst":1715003456}`), domain.ProtocolPush)
	requireKind(t, err, domain.ErrMalformedPayload)
}

func TestNormalize_FleetRFC3339(t *testing.T) {
	n := newTestNormalizer(nil)
	raw := []byte(`{"vehicle_id":"TRK-7","latitude":25.65,"longitude":-100.38,"accuracy":4,"battery":99,"timestamp":"2024-05-06T13:50:56Z"}`)

	p, err := n.Normalize(context.Background(), raw, domain.ProtocolFleet)
	require.NoError(t, err)
	assert.Equal(t, "emp-3", p.EntityID)
	assert.Equal(t, time.Date(2024, 5, 6, 13, 50, 56, 0, time.UTC), p.Timestamp)
}

func TestNormalize_MissingTimestampUsesReceiveTime(t *testing.T) {
	n := newTestNormalizer(nil)
	p, err := n.Normalize(context.Background(), []byte(`{"vehicle_id":"TRK-7","latitude":1,"longitude":2}`), domain.ProtocolFleet)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Hour), p.Timestamp)
}

func TestNormalize_AccuracyClamped(t *testing.T) {
	n := newTestNormalizer(nil)
	for _, acc := range []string{"-3", "100000", `"NaN"`} {
		raw := []byte(`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"accuracy":` + acc + `}`)
		p, err := n.Normalize(context.Background(), raw, domain.ProtocolFleet)
		require.NoError(t, err, acc)
		assert.Equal(t, 500.0, p.AccuracyMeters, acc)
		assert.False(t, p.AccuracyKnown, acc)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	n := newTestNormalizer(nil)
	cases := map[string]struct {
		raw      string
		protocol domain.SourceProtocol
	}{
		"empty":            {"", domain.ProtocolFleet},
		"not json":         {`{"vehicle_id":`, domain.ProtocolFleet},
		"form for fleet":   {"vehicle_id=TRK-7", domain.ProtocolFleet},
		"missing lat":      {`{"vehicle_id":"TRK-7","longitude":2}`, domain.ProtocolFleet},
		"lat out of range": {`{"vehicle_id":"TRK-7","latitude":91,"longitude":2}`, domain.ProtocolFleet},
		"lon out of range": {"id=358240051111110&lat=1&lon=-181", domain.ProtocolPolling},
		"lat not a number": {`{"vehicle_id":"TRK-7","latitude":"north","longitude":2}`, domain.ProtocolFleet},
		"missing device":   {`{"latitude":1,"longitude":2}`, domain.ProtocolFleet},
		"bad timestamp":    {`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"timestamp":"yesterday"}`, domain.ProtocolFleet},
		"huge timestamp":   {`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"timestamp":1e300}`, domain.ProtocolFleet},
		"far future secs":  {`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"timestamp":99999999999}`, domain.ProtocolFleet},
		"far future ms":    {"id=358240051111110&lat=1&lon=2&timestamp=40000000000000", domain.ProtocolPolling},
		"unknown protocol": {`{"vehicle_id":"TRK-7","latitude":1,"longitude":2}`, domain.SourceProtocol("carrier-pigeon")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), []byte(tc.raw), tc.protocol)
			requireKind(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestNormalize_UnknownEntity(t *testing.T) {
	n := newTestNormalizer(nil)
	_, err := n.Normalize(context.Background(), []byte(`{"vehicle_id":"ghost","latitude":1,"longitude":2}`), domain.ProtocolFleet)
	requireKind(t, err, domain.ErrUnknownEntity)
}

func TestNormalize_ResolverFailureIsRetryable(t *testing.T) {
	n := newTestNormalizer(nil)
	n.resolver = &mockResolver{resolveFn: func(context.Context, string) (string, error) {
		return "", context.DeadlineExceeded
	}}
	_, err := n.Normalize(context.Background(), []byte(`{"vehicle_id":"TRK-7","latitude":1,"longitude":2}`), domain.ProtocolFleet)

	var nerr *domain.NormalizationError
	assert.False(t, errors.As(err, &nerr))
	assert.True(t, domain.IsRetryable(err))
}

func TestNormalize_StaleTimestamp(t *testing.T) {
	n := newTestNormalizer(map[string]time.Time{"emp-3": baseTime})

	// within the clock skew tolerance
	raw := []byte(`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"timestamp":1715003436}`)
	_, err := n.Normalize(context.Background(), raw, domain.ProtocolFleet)
	require.NoError(t, err)

	raw = []byte(`{"vehicle_id":"TRK-7","latitude":1,"longitude":2,"timestamp":1715003396}`)
	_, err = n.Normalize(context.Background(), raw, domain.ProtocolFleet)
	requireKind(t, err, domain.ErrStaleTimestamp)
}
