package transport

import (
	"context"
	"errors"
	"strings"
)

// QoS is the MQTT delivery guarantee.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// ErrNotConnected is returned when publishing on a session that is down.
var ErrNotConnected = errors.New("transport not connected")

// Message is one inbound publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler processes one inbound message. It must return promptly.
type Handler func(ctx context.Context, msg Message)

// Client is a publish/subscribe session shared by the ingestor and the
// dispatcher.
type Client interface {
	Subscribe(ctx context.Context, pattern string, qos QoS, h Handler) error
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
}

// TopicMatches reports whether topic matches an MQTT subscription pattern
// with '+' (one level) and '#' (remaining levels) wildcards.
func TopicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// LastLevel returns the final topic level, e.g. the device id of
// "control/slave/5".
func LastLevel(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
