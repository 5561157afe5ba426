package capture

import (
	"strings"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

// Sensor type labels
const (
	SensorDHT11   = "DHT11 (Temperature & Humidity)"
	SensorLDR     = "LDR (Light Sensor)"
	SensorPIR     = "PIR (Motion Sensor)"
	SensorUnknown = "Unknown Sensor"
)

// SensorInfo is the sensor type inferred from a reading plus its
// normalised values.
type SensorInfo struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// IdentifySensor infers the sensor behind a reading from its topic name and
// payload fields.
func IdentifySensor(topic string, message any) SensorInfo {
	fields, _ := message.(map[string]any)
	has := func(key string) bool {
		_, ok := fields[key]
		return ok
	}

	switch {
	case strings.Contains(topic, "dht") || (has("temp_c") && has("hum_pct")):
		return SensorInfo{Type: SensorDHT11, Data: map[string]any{
			"temperature":   fields["temp_c"],
			"humidity":      fields["hum_pct"],
			"unit_temp":     "°C",
			"unit_humidity": "%",
		}}
	case strings.Contains(topic, "ldr") || has("ldr_pct"):
		return SensorInfo{Type: SensorLDR, Data: map[string]any{
			"light_percent": fields["ldr_pct"],
			"light_raw":     fields["ldr_raw"],
			"unit":          "%",
		}}
	case strings.Contains(topic, "pir") || has("pir"):
		value := fields["pir"]
		if value == nil {
			value = float64(0)
		}
		motion := "None"
		if n, ok := value.(float64); ok && n == 1 {
			motion = "DETECTED"
		}
		return SensorInfo{Type: SensorPIR, Data: map[string]any{
			"motion":       motion,
			"motion_value": value,
		}}
	default:
		data := fields
		if data == nil {
			data = map[string]any{"value": message}
		}
		return SensorInfo{Type: SensorUnknown, Data: data}
	}
}

// DHT11Reading is the latest combined environmental reading of one broker.
type DHT11Reading struct {
	Topic       string    `json:"topic"`
	Temperature any       `json:"temperature"`
	Humidity    any       `json:"humidity"`
	LightPct    any       `json:"light_pct"`
	Motion      any       `json:"motion"`
	Device      string    `json:"device"`
	Timestamp   time.Time `json:"timestamp"`
	Broker      string    `json:"broker"`
}

// DHT11Summary holds the latest DHT11 reading per broker.
type DHT11Summary struct {
	Secure   *DHT11Reading `json:"secure"`
	Insecure *DHT11Reading `json:"insecure"`
}

// ParseDHT11 picks the last dht11 or multi-sensor reading from each slot.
func ParseDHT11(result CaptureResult) DHT11Summary {
	return DHT11Summary{
		Secure:   latestDHT11(result.Secure, "Secure (TLS)"),
		Insecure: latestDHT11(result.Insecure, "Insecure (No TLS)"),
	}
}

func latestDHT11(slot EndpointResult, label string) *DHT11Reading {
	if !slot.OK() {
		return nil
	}
	var latest *DHT11Reading
	for _, r := range slot.Readings {
		if !strings.Contains(r.Topic, "dht11") && !strings.Contains(r.Topic, "multi") {
			continue
		}
		fields := r.Fields()
		latest = &DHT11Reading{
			Topic:       r.Topic,
			Temperature: firstField(fields, "temp_c", "temperature"),
			Humidity:    firstField(fields, "hum_pct", "humidity"),
			LightPct:    fields["ldr_pct"],
			Motion:      fields["pir"],
			Device:      deviceID(fields, "unknown"),
			Timestamp:   r.Timestamp,
			Broker:      label,
		}
	}
	return latest
}

func firstField(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// deviceID returns the publishing device named in the payload, if any.
func deviceID(fields map[string]any, fallback string) string {
	for _, k := range []string{"device", "sensor_id", "client_id"} {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// PublisherID names the client that published r. Payloads rarely carry one,
// so the endpoint address stands in.
func PublisherID(r broker.Reading) string {
	return deviceID(r.Fields(), "unknown-publisher@"+r.Source)
}
