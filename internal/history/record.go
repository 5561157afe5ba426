package history

import (
	"github.com/hanepo/MQTTScanner/internal/broker"
)

const defaultDevice = "esp32-multi-sensor"

// FromReading extracts the known sensor fields of r.
func FromReading(kind broker.Kind, r broker.Reading) Record {
	fields := r.Fields()
	rec := Record{
		Broker:      string(kind),
		Endpoint:    r.Source,
		Device:      defaultDevice,
		Topic:       r.Topic,
		Temperature: number(fields, "temp_c", "temperature"),
		Humidity:    number(fields, "hum_pct", "humidity"),
		LDRRaw:      number(fields, "ldr_raw"),
		LDRPct:      number(fields, "ldr_pct"),
		RawPayload:  r.Raw,
		CapturedAt:  r.Timestamp,
	}
	if device, ok := fields["device"].(string); ok && device != "" {
		rec.Device = device
	}
	switch v := fields["pir"].(type) {
	case float64:
		rec.PIR = v == 1
	case bool:
		rec.PIR = v
	}
	return rec
}

func number(fields map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := fields[k].(float64); ok {
			return &v
		}
	}
	return nil
}
