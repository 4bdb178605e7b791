package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"

	"agroops/config"
)

// ErrNotConnected is returned by Publish before Connect succeeded.
var ErrNotConnected = errors.New("messaging not connected")

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// transport is one broker backend.
type transport interface {
	publish(topic string, payload []byte) error
	ready() bool
	close()
}

// Client publishes workflow messages to an MQTT broker or to Kafka.
type Client struct {
	mu       sync.RWMutex
	cfg      *config.MessagingConfig
	clientID string
	t        transport
}

// NewClient creates a messaging client. clientID names the MQTT session.
func NewClient(cfg *config.MessagingConfig, clientID string) *Client {
	return &Client{cfg: cfg, clientID: clientID}
}

// Connect opens the configured backend. Calling it again replaces the
// previous connection.
func (c *Client) Connect() error {
	var (
		t   transport
		err error
	)
	switch c.cfg.Backend {
	case "mqtt":
		t, err = dialMQTT(c.cfg.MQTT, c.clientID)
	case "kafka":
		t, err = newKafka(c.cfg.Kafka)
	default:
		err = fmt.Errorf("unknown messaging backend: %s", c.cfg.Backend)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.t
	c.t = t
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

// Publish sends payload to topic.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.t == nil || !c.t.ready() {
		return ErrNotConnected
	}
	return c.t.publish(topic, payload)
}

// IsConnected reports whether Publish can currently succeed.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t != nil && c.t.ready()
}

// Close shuts down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	t := c.t
	c.t = nil
	c.mu.Unlock()
	if t != nil {
		t.close()
	}
}

type mqttTransport struct {
	conn mqtt.Client
}

func dialMQTT(cfg config.MQTTConfig, clientID string) (*mqttTransport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	conn := mqtt.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.New("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &mqttTransport{conn: conn}, nil
}

// publish uses QoS 1: the outbox row is only acked after the broker has it.
func (m *mqttTransport) publish(topic string, payload []byte) error {
	token := m.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}

func (m *mqttTransport) ready() bool { return m.conn.IsConnected() }
func (m *mqttTransport) close()      { m.conn.Disconnect(1000) }

type kafkaTransport struct {
	w *kafkago.Writer
}

func newKafka(cfg config.KafkaConfig) (*kafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &kafkaTransport{w: &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (k *kafkaTransport) publish(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return k.w.WriteMessages(ctx, kafkago.Message{Topic: topic, Value: payload})
}

// ready is true once the writer exists; kafka-go dials lazily on first write.
func (k *kafkaTransport) ready() bool { return true }
func (k *kafkaTransport) close()      { k.w.Close() }
