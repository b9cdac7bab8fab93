package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/awalczyk/anima-agent/internal/config"
)

// mqttInboundBuffer bounds messages held between polls.
const mqttInboundBuffer = 256

// MQTT bridges the agent to a broker: inbound messages arrive on the
// inbox topic as JSON, replies publish under the outbox prefix with the
// recipient as the final topic segment.
type MQTT struct {
	cfg     config.MQTTConfig
	cm      *autopaho.ConnectionManager
	inbound chan Message

	*userSet
	logger *slog.Logger
}

// NewMQTT connects to the broker and subscribes to the inbox topic.
// The subscription is re-established on every (re-)connect.
func NewMQTT(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "anima-agent"
	}

	m := &MQTT{
		cfg:     cfg,
		inbound: make(chan Message, mqttInboundBuffer),
		userSet: newUserSet(),
		logger:  logger,
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: cfg.InboxTopic, QoS: 1},
				},
			}); err != nil {
				logger.Warn("mqtt inbox subscribe failed", "topic", cfg.InboxTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.receive(pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return m, nil
}

// receive parses one inbox payload onto the inbound channel. Payloads
// that are not the JSON envelope pass through as bare text.
func (m *MQTT) receive(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Content == "" {
		msg = Message{Content: string(payload)}
	}
	if msg.Sender == "" {
		msg.Sender = "mqtt"
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{"platform": "mqtt"}
	}

	select {
	case m.inbound <- msg:
	default:
		m.logger.Warn("mqtt inbound buffer full, dropping message", "sender", msg.Sender)
	}
}

// Poll drains whatever the subscription delivered since the last call.
func (m *MQTT) Poll(_ context.Context) ([]Message, error) {
	var fresh []Message
	for {
		select {
		case msg := <-m.inbound:
			m.add(msg.Sender)
			fresh = append(fresh, msg)
		default:
			return fresh, nil
		}
	}
}

// Send publishes the reply under the outbox prefix.
func (m *MQTT) Send(ctx context.Context, recipient, text string) error {
	payload, err := json.Marshal(outboxEntry{
		Recipient: recipient,
		Text:      text,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt reply: %w", err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   outboxTopic(m.cfg.OutboxPrefix, recipient),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", recipient, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.cm.Disconnect(ctx)
}

func outboxTopic(prefix, recipient string) string {
	if prefix == "" {
		prefix = "anima/outbox"
	}
	return prefix + "/" + recipient
}

var _ Transport = (*MQTT)(nil)
