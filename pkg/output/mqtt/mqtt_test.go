package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(_ time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	sent         []message
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(quiesce uint) { c.disconnected = true }

func TestDiscoveryPublishedPerQuantity(t *testing.T) {
	c := &fakeClient{}
	cfg := withDefaults(config.MQTTConfig{
		DiscoveryTopic:    "homeassistant/sensor/bme680_%s/config",
		DiscoveryName:     "Office",
		DiscoveryUniqueID: "office_bme680",
	})
	newOutput(c, cfg)

	require.Len(t, c.sent, 4)
	first := c.sent[0]
	assert.Equal(t, "homeassistant/sensor/bme680_temperature/config", first.topic)
	assert.True(t, first.retained)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(first.payload, &payload))
	assert.Equal(t, "Office Temperature", payload[keyName])
	assert.Equal(t, "bme680", payload[keyStateTopic])
	assert.Equal(t, "°C", payload[keyUnitOfMeasurement])
	assert.Equal(t, "temperature", payload[keyDeviceClass])
	assert.Equal(t, "{{ value_json.temperature }}", payload[keyValueTemplate])
	assert.Equal(t, "office_bme680_temperature", payload[keyUniqueID])

	var gas map[string]any
	require.NoError(t, json.Unmarshal(c.sent[3].payload, &gas))
	assert.Equal(t, "Ω", gas[keyUnitOfMeasurement])
	_, hasClass := gas[keyDeviceClass]
	assert.False(t, hasClass, "gas resistance has no device class")
}

func TestNoDiscoveryWithoutTopic(t *testing.T) {
	c := &fakeClient{}
	newOutput(c, withDefaults(config.MQTTConfig{}))
	assert.Empty(t, c.sent)
}

func TestPublishState(t *testing.T) {
	c := &fakeClient{}
	m := newOutput(c, withDefaults(config.MQTTConfig{StateTopic: "home/office/bme680"}))
	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)

	require.NoError(t, m.Publish(sensor.Reading{Temperature: 22.5, Pressure: 1013.25, Humidity: 45, GasResistance: 12000, Timestamp: ts}, sensor.Fresh))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "home/office/bme680", c.sent[0].topic)
	assert.False(t, c.sent[0].retained)
	assert.JSONEq(t, `{"temperature":22.5,"pressure":1013.25,"humidity":45,"gas_resistance":12000,"state":"fresh","timestamp":"2025-09-19T14:41:54Z"}`, string(c.sent[0].payload))

	require.NoError(t, m.Close())
	assert.True(t, c.disconnected)
}

func TestPublishError(t *testing.T) {
	c := &fakeClient{err: errors.New("not connected")}
	m := newOutput(c, withDefaults(config.MQTTConfig{}))
	err := m.Publish(sensor.Reading{}, sensor.Stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt publish bme680")
}

func TestDiscoveryHelpers(t *testing.T) {
	cfg := withDefaults(config.MQTTConfig{})
	q := quantities[2]
	assert.Equal(t, "ha/humidity/config", discoveryTopic("ha/", q.key))
	assert.Equal(t, "BME680 bme680-client Humidity", discoveryName(cfg, q))
	assert.Equal(t, "bme680-client_humidity", discoveryUniqueID(cfg, q))
	assert.Equal(t, DefaultServer, cfg.Server)
}
