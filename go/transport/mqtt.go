package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// atLeastOnce is the QoS for every subscription and publish. Devices and
// ingester both tolerate duplicate delivery; neither tolerates silent loss.
const atLeastOnce = 1

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// BrokerURL renders the paho broker address.
func (c MQTTConfig) BrokerURL() string {
	var scheme = "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MQTT is the production Client. It reconnects with exponential backoff
// (paho: 1s doubling to the configured cap) and replays its subscriptions on
// every connect, so a broker restart costs retransmits but never a dead
// subscription.
type MQTT struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler
}

var _ Client = (*MQTT)(nil)

// NewMQTT connects to the broker, blocking until the first connection
// succeeds or ctx expires.
func NewMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	var m = &MQTT{subs: make(map[string]Handler)}

	var opts = mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithField("err", err).Warn("broker connection lost")
		})
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	m.client = mqtt.NewClient(opts)

	if cfg.ConnectTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := waitToken(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.BrokerURL(), err)
	}
	log.WithFields(log.Fields{
		"broker":   cfg.BrokerURL(),
		"clientID": cfg.ClientID,
	}).Info("connected to broker")
	return m, nil
}

// onConnect replays subscriptions. It runs on every (re)connect.
func (m *MQTT) onConnect(client mqtt.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for filter, h := range m.subs {
		if tok := client.Subscribe(filter, atLeastOnce, adapt(h)); tok.Wait() && tok.Error() != nil {
			log.WithFields(log.Fields{
				"filter": filter,
				"err":    tok.Error(),
			}).Error("failed to restore subscription")
		} else {
			log.WithField("filter", filter).Debug("subscription restored")
		}
	}
}

func adapt(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	}
}

func (m *MQTT) Subscribe(ctx context.Context, filter string, h Handler) error {
	m.mu.Lock()
	m.subs[filter] = h
	m.mu.Unlock()

	if err := waitToken(ctx, m.client.Subscribe(filter, atLeastOnce, adapt(h))); err != nil {
		return fmt.Errorf("subscribing %s: %w", filter, err)
	}
	return nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := waitToken(ctx, m.client.Publish(topic, atLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Close(ctx context.Context) error {
	var quiesce = 250 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < quiesce {
			quiesce = until
		}
	}
	m.client.Disconnect(uint(quiesce / time.Millisecond))
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
