package events

import (
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher publishes to an MQTT broker.
type MQTTPublisher struct {
	client      paho.Client
	topic       string
	systemTopic string
}

// NewMQTTPublisher creates a publisher for the given broker. The client
// reconnects in the background, so an unreachable broker is logged rather
// than returned. A retained OFFLINE will is registered on the system topic.
func NewMQTTPublisher(broker, clientID, baseTopic string) (*MQTTPublisher, error) {
	topic, systemTopic := Topics(baseTopic)

	will, err := FormatPayload(Event{Timestamp: time.Now(), Type: EventOffline, Source: clientID})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(systemTopic, string(will), 1, true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Printf("mqtt: connected to %s", broker)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: broker %s not reachable yet, retrying in background", broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &MQTTPublisher{
		client:      client,
		topic:       topic,
		systemTopic: systemTopic,
	}, nil
}

// Publish sends an event to the broker.
// State events use QoS 0 (at-most-once); system events use QoS 1 so startup
// and shutdown are delivered.
func (p *MQTTPublisher) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	topic, qos := p.topic, byte(0)
	if event.Type.IsSystem() {
		topic, qos = p.systemTopic, 1
	}

	token := p.client.Publish(topic, qos, event.Retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is connected to the broker.
func (p *MQTTPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
