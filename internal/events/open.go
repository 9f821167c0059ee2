package events

import (
	"fmt"
	"strings"
)

// Open creates a Publisher for broker, choosing the transport by URL scheme:
//
//	tcp://, mqtt://, ssl://, ws://, wss://  MQTT
//	nats://, tls://                         NATS
//	kafka://host:9092[,host:9092][/topic]   Kafka
func Open(broker, clientID, baseTopic string) (Publisher, error) {
	scheme, rest, ok := strings.Cut(broker, "://")
	if !ok {
		return nil, fmt.Errorf("events: broker %q has no scheme", broker)
	}
	switch scheme {
	case "mqtt":
		return NewMQTTPublisher("tcp://"+rest, clientID, baseTopic)
	case "tcp", "ssl", "ws", "wss":
		return NewMQTTPublisher(broker, clientID, baseTopic)
	case "nats", "tls":
		return NewNATSPublisher(broker, clientID, baseTopic)
	case "kafka":
		brokers, topic := parseKafkaURL(rest, baseTopic)
		return NewKafkaPublisher(brokers, topic)
	default:
		return nil, fmt.Errorf("events: unsupported broker scheme %q", scheme)
	}
}
