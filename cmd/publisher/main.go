package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fleetMessage is the fleet tracker payload the server subscribes to.
type fleetMessage struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Battery   float64 `json:"battery"`
	Timestamp int64   `json:"timestamp"`
}

// Sucursal 38, the geofence seeded by migrations/0002_seed.sql.
const (
	siteLat    = 25.6505422
	siteLon    = -100.3838798
	siteRadius = 150.0

	earthRadius = 6371008.8
)

// device walks along a line through the site, out to twice the radius on
// each side, so it keeps entering and leaving the geofence.
type device struct {
	id      string
	bearing float64
	step    int
	battery float64
}

func (d *device) next() fleetMessage {
	const steps = 20
	phase := d.step % (2 * steps)
	if phase >= steps {
		phase = 2*steps - phase
	}
	d.step++
	dist := -2*siteRadius + float64(phase)*(4*siteRadius/steps)

	lat, lon := offset(siteLat, siteLon, dist, d.bearing)
	d.battery = math.Max(5, d.battery-0.1)

	return fleetMessage{
		DeviceID:  d.id,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  5 + rand.Float64()*20,
		Battery:   math.Round(d.battery),
		Timestamp: time.Now().Unix(),
	}
}

// offset moves dist meters from (lat, lon) along bearing (radians).
func offset(lat, lon, dist, bearing float64) (float64, float64) {
	dLat := dist * math.Cos(bearing) / earthRadius
	dLon := dist * math.Sin(bearing) / (earthRadius * math.Cos(lat*math.Pi/180))
	return lat + dLat*180/math.Pi, lon + dLon*180/math.Pi
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <interval_seconds> [device_id...]\n", os.Args[0])
		os.Exit(1)
	}

	intervalSec, err := strconv.Atoi(os.Args[1])
	if err != nil || intervalSec <= 0 {
		fmt.Fprintf(os.Stderr, "error: interval must be a positive integer\n")
		os.Exit(1)
	}

	ids := os.Args[2:]
	if len(ids) == 0 {
		ids = []string{"unit-01", "unit-02", "unit-03"}
	}

	broker := "tcp://localhost:1883"
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		broker = v
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("geofence-mock-publisher")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	devices := make([]*device, len(ids))
	for i, id := range ids {
		devices[i] = &device{
			id:      id,
			bearing: rand.Float64() * 2 * math.Pi,
			step:    rand.Intn(40),
			battery: 100,
		}
	}

	log.Printf("connected to %s, publishing every %ds...", broker, intervalSec)
	log.Printf("devices: %v", ids)

	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		d := devices[rand.Intn(len(devices))]
		msg := d.next()

		payload, _ := json.Marshal(msg)
		topic := fmt.Sprintf("/fleet/entity/%s/location", d.id)

		token := client.Publish(topic, 1, false, payload)
		token.Wait()

		log.Printf("published to %s: %s", topic, payload)
	}
}
