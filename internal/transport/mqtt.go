package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTT публикует алерты в топик {prefix}/{device_id}/{type}.
type MQTT struct {
	cfg    MQTTConfig
	log    zerolog.Logger
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTT(cfg MQTTConfig, log zerolog.Logger) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "traffic/violations"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "violation-service"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTT{cfg: cfg, log: log, published: make(map[string]uint64)}
}

func (m *MQTT) Connect(ctx context.Context) error {
	broker := m.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.Info().Str("broker", broker).Str("client_id", m.cfg.ClientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	m.client = mqtt.NewClient(opts)
	m.log.Info().Str("broker", broker).Msg("connecting to mqtt broker")

	token := m.client.Connect()
	timeout := m.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

func (m *MQTT) Send(_ context.Context, p alert.Payload) error {
	if !m.isConnected() {
		m.incErrors()
		return ErrMQTTNotConnected
	}

	payload, err := json.Marshal(newMessage(p))
	if err != nil {
		m.incErrors()
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	topic := m.topic(p)
	token := m.client.Publish(topic, qosFor(p.Priority), false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.incErrors()
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		m.incErrors()
		return fmt.Errorf("mqtt publish failed: %w", err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	m.log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("alert published")
	return nil
}

func (m *MQTT) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.log.Info().Msg("mqtt disconnected")
	}
	m.setConnected(false)
}

func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.connected, Published: published, Errors: m.errors}
}

func (m *MQTT) topic(p alert.Payload) string {
	device := p.Violation.DeviceID
	if device == "" {
		device = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.cfg.TopicPrefix, "/"), device, p.Violation.Type)
}

// qosFor критичные алерты публикуются с подтверждением доставки.
func qosFor(p alert.Priority) byte {
	if p >= alert.PriorityHigh {
		return 1
	}
	return 0
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) incErrors() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
