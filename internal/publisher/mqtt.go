package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrBrokerUnavailable is returned by Publish while the broker connection is
// down. Paho would otherwise hold the message until it reconnects.
var ErrBrokerUnavailable = errors.New("mqtt: broker connection is down")

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher sends broadcasts to an MQTT broker for wallboards and other
// non-browser subscribers.
type MQTTPublisher struct {
	client  mqttClient
	qos     byte
	timeout time.Duration
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// NewMQTTPublisher connects to the broker. Paho keeps reconnecting on its
// own after the first successful connect.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", opts.Broker, "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", opts.Broker)
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.PublishTimeout * 2) {
		logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", opts.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client:  client,
		qos:     opts.QoS,
		timeout: opts.PublishTimeout,
	}, nil
}

// Publish fails fast with ErrBrokerUnavailable when the broker is down, so
// callers on the projection path never wait out a reconnect.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt publish to %s: %w", topic, ErrBrokerUnavailable)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish to %s: timed out after %s", topic, p.timeout)
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
