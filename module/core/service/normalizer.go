package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type identityResolver interface {
	ResolveEntity(ctx context.Context, deviceID string) (string, error)
}

type lastPingSource interface {
	LastPing(entityID string) (time.Time, bool)
}

type NormalizerConfig struct {
	MaxAccuracyMeters float64
	StaleTolerance    time.Duration
}

func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{MaxAccuracyMeters: 1000, StaleTolerance: 30 * time.Second}
}

// Normalizer turns vendor payloads into canonical pings. Apart from the
// identity lookup it has no side effects.
type Normalizer struct {
	resolver identityResolver
	lastPing lastPingSource
	cfg      NormalizerConfig
	now      func() time.Time
	newID    func() string
}

func NewNormalizer(resolver identityResolver, lastPing lastPingSource, cfg NormalizerConfig) *Normalizer {
	def := DefaultNormalizerConfig()
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = def.MaxAccuracyMeters
	}
	if cfg.StaleTolerance < 0 {
		cfg.StaleTolerance = def.StaleTolerance
	}
	return &Normalizer{
		resolver: resolver,
		lastPing: lastPing,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Normalize parses raw as a payload of the given protocol family.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, protocol domain.SourceProtocol) (*domain.LocationPing, error) {
	return n.NormalizeWithDevice(ctx, raw, protocol, "")
}

// NormalizeWithDevice is Normalize with a device id taken from the transport
// (MQTT topic, HTTP headers). It is used only when the payload carries none.
func (n *Normalizer) NormalizeWithDevice(ctx context.Context, raw []byte, protocol domain.SourceProtocol, deviceHint string) (*domain.LocationPing, error) {
	f, err := decodeFields(raw, protocol)
	if err != nil {
		return nil, malformed(protocol, err.Error())
	}

	var r reading
	switch protocol {
	case domain.ProtocolPolling:
		r, err = f.reading([]string{"id", "deviceid"}, "lat", "lon", "accuracy", "batt", "timestamp")
	case domain.ProtocolPush:
		if t := f.str("_type"); t != "" && t != "location" {
			return nil, malformed(protocol, fmt.Sprintf("unsupported message type %q", t))
		}
		r, err = f.reading([]string{"topic", "tid"}, "lat", "lon", "acc", "batt", "tst")
		if err == nil && strings.HasPrefix(r.deviceID, "owntracks/") {
			r.deviceID = strings.TrimPrefix(r.deviceID, "owntracks/")
		}
	case domain.ProtocolFleet:
		r, err = f.reading([]string{"vehicle_id", "device_id"}, "latitude", "longitude", "accuracy", "battery", "timestamp")
	default:
		return nil, malformed(protocol, "unknown protocol")
	}
	if err != nil {
		return nil, malformed(protocol, err.Error())
	}
	if r.deviceID == "" {
		r.deviceID = deviceHint
	}
	if r.deviceID == "" {
		return nil, malformed(protocol, "missing device id")
	}

	entityID, err := n.resolver.ResolveEntity(ctx, r.deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.NormalizationError{Kind: domain.ErrUnknownEntity, Protocol: protocol, Detail: r.deviceID}
	}
	if err != nil {
		return nil, domain.PersistenceError("resolve entity", err)
	}

	ts := r.timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	ts = ts.UTC()
	if last, ok := n.lastPing.LastPing(entityID); ok && ts.Before(last.Add(-n.cfg.StaleTolerance)) {
		return nil, &domain.NormalizationError{
			Kind:     domain.ErrStaleTimestamp,
			Protocol: protocol,
			Detail:   fmt.Sprintf("%s is before last accepted %s", ts.Format(time.RFC3339), last.UTC().Format(time.RFC3339)),
		}
	}

	ping := &domain.LocationPing{
		ID:             n.newID(),
		EntityID:       entityID,
		DeviceID:       r.deviceID,
		Latitude:       r.lat,
		Longitude:      r.lon,
		Timestamp:      ts,
		SourceProtocol: protocol,
	}
	ping.AccuracyMeters, ping.AccuracyKnown = n.accuracy(r.accuracy, r.hasAccuracy)
	if r.hasBattery && r.battery >= 0 && r.battery <= 100 {
		b := r.battery
		ping.BatteryPercent = &b
	}
	return ping, nil
}

// accuracy clamps implausible or missing values to the configured maximum,
// which the engine treats as the worst case.
func (n *Normalizer) accuracy(v float64, present bool) (float64, bool) {
	if !present || math.IsNaN(v) || v < 0 || v > n.cfg.MaxAccuracyMeters {
		return n.cfg.MaxAccuracyMeters, false
	}
	return v, true
}

func malformed(p domain.SourceProtocol, detail string) error {
	return &domain.NormalizationError{Kind: domain.ErrMalformedPayload, Protocol: p, Detail: detail}
}

type reading struct {
	deviceID    string
	lat, lon    float64
	accuracy    float64
	hasAccuracy bool
	battery     float64
	hasBattery  bool
	timestamp   time.Time
}

// fields is a decoded payload. Values are strings (forms) or JSON scalars.
type fields map[string]any

func decodeFields(raw []byte, protocol domain.SourceProtocol) (fields, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '{' {
		var f fields
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return f, nil
	}
	if protocol != domain.ProtocolPolling {
		return nil, errors.New("expected a json object")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	f := fields{}
	for k := range values {
		f[k] = values.Get(k)
	}
	return f, nil
}

func (f fields) reading(idKeys []string, latKey, lonKey, accKey, battKey, tsKey string) (reading, error) {
	var r reading
	for _, k := range idKeys {
		if r.deviceID = f.str(k); r.deviceID != "" {
			break
		}
	}

	lat, ok, err := f.num(latKey)
	if err != nil || !ok {
		return r, fmt.Errorf("missing or invalid %s", latKey)
	}
	lon, ok, err := f.num(lonKey)
	if err != nil || !ok {
		return r, fmt.Errorf("missing or invalid %s", lonKey)
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return r, fmt.Errorf("%s out of range: %v", latKey, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return r, fmt.Errorf("%s out of range: %v", lonKey, lon)
	}
	r.lat, r.lon = lat, lon

	// unparseable optional values count as absent
	r.accuracy, r.hasAccuracy, _ = f.num(accKey)
	r.battery, r.hasBattery, _ = f.num(battKey)

	ts, err := f.time(tsKey)
	if err != nil {
		return r, err
	}
	r.timestamp = ts
	return r, nil
}

func (f fields) str(key string) string {
	switch v := f[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

func (f fields) num(key string) (float64, bool, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
	default:
		return 0, false, fmt.Errorf("%s: not a number", key)
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return x, true, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// maxUnixMillis is 3000-01-01T00:00:00Z in unix milliseconds.
const maxUnixMillis = 32503680000000

// time accepts unix seconds, unix milliseconds or a textual timestamp. A
// missing value yields the zero time.
func (f fields) time(key string) (time.Time, error) {
	if x, ok, err := f.num(key); err == nil && ok {
		if x <= 0 || math.IsInf(x, 0) || math.IsNaN(x) {
			return time.Time{}, fmt.Errorf("%s: must be a positive time", key)
		}
		ms := x
		if x < 1e12 {
			ms = x * 1000
		}
		if ms > maxUnixMillis {
			return time.Time{}, fmt.Errorf("%s: %g is out of range", key, x)
		}
		if x >= 1e12 {
			return time.UnixMilli(int64(x)).UTC(), nil
		}
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	s := f.str(key)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: unrecognized timestamp %q", key, s)
}
