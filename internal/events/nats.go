package events

import (
	"fmt"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

// NATSPublisher publishes to a NATS server. Subjects use dots where MQTT
// topics use slashes: marimo/tank becomes marimo.tank.events.
type NATSPublisher struct {
	nc            *nats.Conn
	subject       string
	systemSubject string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, clientID, baseTopic string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	topic, systemTopic := Topics(baseTopic)
	return &NATSPublisher{
		nc:            nc,
		subject:       subjectOf(topic),
		systemSubject: subjectOf(systemTopic),
	}, nil
}

func subjectOf(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Publish sends an event.
func (p *NATSPublisher) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	subject := p.subject
	if event.Type.IsSystem() {
		subject = p.systemSubject
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is up.
func (p *NATSPublisher) IsConnected() bool {
	return p.nc.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.FlushTimeout(time.Second); err != nil {
		p.nc.Close()
		return fmt.Errorf("flush: %w", err)
	}
	p.nc.Close()
	return nil
}
