package capture

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointResult_WireShape(t *testing.T) {
	at := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	result := CaptureResult{
		Secure: Failed(sharedErrors.NewEndpointError(sharedErrors.KindAuthRequired,
			"Authentication required - secure broker requires username and password", true, nil)),
		Insecure:  Readings([]broker.Reading{broker.NewReading("sensors/a", []byte(`{"v":1}`), "h:1883", at)}),
		Timestamp: at,
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, byte('{'), wire["secure"][0])
	assert.Equal(t, byte('['), wire["insecure"][0])
	assert.Contains(t, string(wire["secure"]), `"requires_auth":true`)

	var decoded CaptureResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.False(t, decoded.Secure.OK())
	assert.Equal(t, string(sharedErrors.KindAuthRequired), decoded.Secure.Failure.Kind)
	require.Len(t, decoded.Insecure.Readings, 1)
	assert.Equal(t, "sensors/a", decoded.Insecure.Readings[0].Topic)
}

func TestEndpointResult_EmptyReadingsMarshalAsArray(t *testing.T) {
	data, err := json.Marshal(Readings(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestNewEndpointFailure_PlainError(t *testing.T) {
	failure := NewEndpointFailure(errors.New("dial tcp: refused"))
	assert.Equal(t, "dial tcp: refused", failure.Error)
	assert.False(t, failure.RequiresAuth)
	assert.Equal(t, string(sharedErrors.KindConnectionFailure), failure.Kind)
}

func TestCaptureResult_AllReadings(t *testing.T) {
	at := time.Now()
	result := CaptureResult{
		Secure:   Readings([]broker.Reading{broker.NewReading("a", []byte("1"), "s", at)}),
		Insecure: Readings([]broker.Reading{broker.NewReading("b", []byte("2"), "i", at)}),
	}
	all := result.AllReadings()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Topic)
	assert.Equal(t, "b", all[1].Topic)
}

func TestIdentifySensor(t *testing.T) {
	dht := IdentifySensor("sensors/lab/dht11", map[string]any{"temp_c": 24.5, "hum_pct": 60.0})
	assert.Equal(t, SensorDHT11, dht.Type)
	assert.Equal(t, 24.5, dht.Data["temperature"])

	ldr := IdentifySensor("sensors/lab/light", map[string]any{"ldr_pct": 40.0, "ldr_raw": 1200.0})
	assert.Equal(t, SensorLDR, ldr.Type)

	pir := IdentifySensor("sensors/lab/pir", map[string]any{"pir": 1.0})
	assert.Equal(t, SensorPIR, pir.Type)
	assert.Equal(t, "DETECTED", pir.Data["motion"])

	quiet := IdentifySensor("sensors/lab/pir", nil)
	assert.Equal(t, "None", quiet.Data["motion"])

	other := IdentifySensor("sensors/lab/co2", "412")
	assert.Equal(t, SensorUnknown, other.Type)
	assert.Equal(t, "412", other.Data["value"])
}

func TestParseDHT11_LatestPerBroker(t *testing.T) {
	at := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	result := CaptureResult{
		Secure: Readings([]broker.Reading{
			broker.NewReading("sensors/a/dht11", []byte(`{"temp_c":20,"hum_pct":40}`), "s", at),
			broker.NewReading("sensors/a/multi", []byte(`{"temperature":21,"humidity":41,"device":"esp32"}`), "s", at),
			broker.NewReading("sensors/a/ldr", []byte(`{"ldr_pct":3}`), "s", at),
		}),
		Insecure: Failed(errors.New("refused")),
	}

	summary := ParseDHT11(result)
	require.NotNil(t, summary.Secure)
	assert.Equal(t, "sensors/a/multi", summary.Secure.Topic)
	assert.Equal(t, float64(21), summary.Secure.Temperature)
	assert.Equal(t, "esp32", summary.Secure.Device)
	assert.Equal(t, "Secure (TLS)", summary.Secure.Broker)
	assert.Nil(t, summary.Insecure)
}
