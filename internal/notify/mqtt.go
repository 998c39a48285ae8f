// Package notify publishes round results to MQTT and accepts manual poll
// triggers from it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"podlocator/go-poller/internal/scheduler"
)

const (
	// DefaultTopicPrefix roots every topic.
	DefaultTopicPrefix = "podlocator"

	publishTimeout = 5 * time.Second
)

// Firer receives manual poll requests.
type Firer interface {
	Fire()
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the MQTT bridge.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// Trigger, if set, is fired for every message on the trigger topic.
	Trigger Firer
	Logger  *slog.Logger
}

// MQTT publishes results and relays trigger messages.
type MQTT struct {
	client  mqttClient
	prefix  string
	trigger Firer
	logger  *slog.Logger
}

// ResultTopic is where results for part are published.
func ResultTopic(prefix, part string) string {
	return fmt.Sprintf("%s/accessories/%s/result", prefix, strings.ToLower(part))
}

// TriggerTopic is subscribed to for manual poll requests.
func TriggerTopic(prefix string) string {
	return prefix + "/poll/trigger"
}

// Connect dials the broker. The trigger subscription is re-established on
// every reconnect.
func Connect(opts Options) (*MQTT, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	m := newMQTT(nil, opts)

	clientID := opts.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = fmt.Sprintf("podlocator-%s-%d", host, time.Now().UnixNano())
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			m.logger.Info("mqtt connected", "broker", opts.Broker)
			if err := m.subscribe(c); err != nil {
				m.logger.Error("mqtt subscribe failed", "error", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("mqtt connection lost", "error", err)
		})

	client := mqtt.NewClient(co)
	m.client = client

	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		// ConnectRetry keeps trying in the background.
		m.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", opts.Broker)
		return m, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", opts.Broker, err)
	}
	return m, nil
}

func newMQTT(client mqttClient, opts Options) *MQTT {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	prefix := strings.Trim(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{
		client:  client,
		prefix:  prefix,
		trigger: opts.Trigger,
		logger:  logger.With("component", "mqtt"),
	}
}

func (m *MQTT) subscribe(c mqttClient) error {
	if m.trigger == nil {
		return nil
	}
	topic := TriggerTopic(m.prefix)
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.logger.Info("manual poll requested over mqtt", "topic", msg.Topic(), "bytes", len(msg.Payload()))
		m.trigger.Fire()
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	return token.Error()
}

// RoundCompleted implements scheduler.Listener by publishing one retained
// message per accessory.
func (m *MQTT) RoundCompleted(_ context.Context, round scheduler.Round) {
	for _, res := range round.Results {
		payload, err := json.Marshal(res)
		if err != nil {
			m.logger.Error("encode result", "part", res.Part, "error", err)
			continue
		}
		topic := ResultTopic(m.prefix, res.Part)
		token := m.client.Publish(topic, 1, true, payload)
		if !token.WaitTimeout(publishTimeout) {
			m.logger.Warn("mqtt publish timed out", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			continue
		}
		m.logger.Debug("published result", "topic", topic, "status", res.Outcome)
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
	m.logger.Info("mqtt disconnected")
}
