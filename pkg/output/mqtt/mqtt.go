package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/output"
	"github.com/ericogr/bme680-to-influx/pkg/sensor"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultClientID   = "bme680-client"
	DefaultStateTopic = "bme680"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
)

// quantity describes one value of the state payload for discovery.
type quantity struct {
	key         string
	label       string
	unit        string
	deviceClass string
}

var quantities = []quantity{
	{key: "temperature", label: "Temperature", unit: "°C", deviceClass: "temperature"},
	{key: "pressure", label: "Pressure", unit: "hPa", deviceClass: "atmospheric_pressure"},
	{key: "humidity", label: "Humidity", unit: "%", deviceClass: "humidity"},
	{key: "gas_resistance", label: "Gas Resistance", unit: "Ω"},
}

// statePayload is the JSON published to the state topic on every cycle.
type statePayload struct {
	Temperature   float64   `json:"temperature"`
	Pressure      float64   `json:"pressure"`
	Humidity      float64   `json:"humidity"`
	GasResistance float64   `json:"gas_resistance"`
	State         string    `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
}

// publisher is the part of mqtt.Client the output uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTOutput struct {
	client     publisher
	stateTopic string
}

func NewMQTT(cfg config.MQTTConfig) (output.Output, error) {
	cfg = withDefaults(cfg)
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newOutput(client, cfg), nil
}

// newOutput publishes the retained Home Assistant discovery configs, if a
// discovery topic is set, and returns the output.
func newOutput(client publisher, cfg config.MQTTConfig) *MQTTOutput {
	m := &MQTTOutput{client: client, stateTopic: cfg.StateTopic}
	if cfg.DiscoveryTopic == "" {
		return m
	}
	for _, q := range quantities {
		topic := discoveryTopic(cfg.DiscoveryTopic, q.key)
		payload := discoveryPayload(q, discoveryName(cfg, q), m.stateTopic, discoveryUniqueID(cfg, q))
		if err := publishJSON(client, topic, true, payload); err != nil {
			slog.Warn("mqtt discovery publish failed", "topic", topic, "err", err)
		}
	}
	return m
}

func (m *MQTTOutput) Publish(r sensor.Reading, state sensor.Readiness) error {
	payload := statePayload{
		Temperature:   r.Temperature,
		Pressure:      r.Pressure,
		Humidity:      r.Humidity,
		GasResistance: r.GasResistance,
		State:         state.String(),
		Timestamp:     r.Timestamp,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.stateTopic, 0, false, b)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", m.stateTopic, err)
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = DefaultStateTopic
	}
	return cfg
}

// helper: a discovery topic per quantity. A "%s" in base is replaced by the
// quantity key, otherwise the key is appended as "<base>/<key>/config".
func discoveryTopic(base, key string) string {
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, key)
	}
	return fmt.Sprintf("%s/%s/config", strings.TrimSuffix(base, "/"), key)
}

// helper: build a human-friendly discovery name
func discoveryName(cfg config.MQTTConfig, q quantity) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("BME680 %s", cfg.ClientID)
	}
	return fmt.Sprintf("%s %s", name, q.label)
}

// helper: build a unique id for discovery
func discoveryUniqueID(cfg config.MQTTConfig, q quantity) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid == "" {
		return ""
	}
	return fmt.Sprintf("%s_%s", uid, q.key)
}

func discoveryPayload(q quantity, name, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   q.unit,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", q.key),
		keyJSONAttributesTopic: stateTopic,
	}
	if q.deviceClass != "" {
		payload[keyDeviceClass] = q.deviceClass
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client publisher, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
