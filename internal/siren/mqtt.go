package siren

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the device push transport for sirens. MQTTPublisher delivers to
// real devices; a nil Publisher on the controller disables the path.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTPublisher pushes siren payloads to devices through an MQTT broker.
// Sirens are forced delivery, so publishes use QoS 1.
type MQTTPublisher struct {
	client      mqtt.Client
	topicPrefix string
	logger      *slog.Logger
}

// NewMQTTPublisher connects to the broker. Auto-reconnect is on; a broker
// outage degrades delivery to the SSE path instead of failing transitions.
func NewMQTTPublisher(brokerURL, username, password, topicPrefix string, logger *slog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("vigil-siren-%d", time.Now().UnixNano()))
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("siren: connect mqtt broker: %w", token.Error())
	}

	return &MQTTPublisher{
		client:      client,
		topicPrefix: topicPrefix,
		logger:      logger,
	}, nil
}

// Publish sends one payload under the configured prefix, retrying briefly
// with backoff. The final failure is returned for logging only; callers never
// roll back on it.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	full := p.topicPrefix + "/" + topic

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		token := p.client.Publish(full, 1, false, payload)
		token.Wait()
		if err = token.Error(); err == nil {
			return nil
		}
		p.logger.Warn("siren: mqtt publish retry",
			"topic", full, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("siren: publish %s: %w", full, err)
}

// Close disconnects from the broker, allowing 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
