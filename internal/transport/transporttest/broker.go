// Package transporttest provides an in-memory broker with retained
// messages for tests of code built on transport.Client.
package transporttest

import (
	"context"
	"sync"

	"modbus-bridge/internal/transport"
)

// Published records one accepted publish.
type Published struct {
	Topic   string
	Payload []byte
	QoS     transport.QoS
	Retain  bool
}

// Broker routes publishes synchronously to matching sessions.
type Broker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	sessions  []*Session
	published []Published
	failures  map[string]error
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		failures: make(map[string]error),
	}
}

// Session is one connected client of the Broker.
type Session struct {
	broker *Broker
	mu     sync.Mutex
	subs   map[string]transport.Handler
	closed bool
}

var _ transport.Client = (*Session)(nil)

// Connect opens a new session.
func (b *Broker) Connect() *Session {
	s := &Session{broker: b, subs: make(map[string]transport.Handler)}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s
}

// FailPublish makes every publish to topic fail with err until cleared
// with a nil err.
func (b *Broker) FailPublish(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, topic)
		return
	}
	b.failures[topic] = err
}

// Retained returns the retained payload of topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Published returns a copy of all accepted publishes in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns accepted publishes to topic in order.
func (b *Broker) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *Broker) publish(ctx context.Context, topic string, payload []byte, qos transport.QoS, retain bool) error {
	b.mu.Lock()
	if err, ok := b.failures[topic]; ok {
		b.mu.Unlock()
		return err
	}
	payload = append([]byte(nil), payload...)
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	b.published = append(b.published, Published{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	sessions := append([]*Session(nil), b.sessions...)
	b.mu.Unlock()

	for _, s := range sessions {
		for _, h := range s.matching(topic) {
			h(ctx, transport.Message{Topic: topic, Payload: payload})
		}
	}
	return nil
}

// Subscribe registers h and immediately delivers matching retained messages.
func (s *Session) Subscribe(ctx context.Context, pattern string, _ transport.QoS, h transport.Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	s.subs[pattern] = h
	s.mu.Unlock()

	s.broker.mu.Lock()
	var deliver []transport.Message
	for topic, payload := range s.broker.retained {
		if transport.TopicMatches(pattern, topic) {
			deliver = append(deliver, transport.Message{Topic: topic, Payload: payload, Retained: true})
		}
	}
	s.broker.mu.Unlock()
	for _, m := range deliver {
		h(ctx, m)
	}
	return nil
}

// Publish routes payload through the broker.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos transport.QoS, retain bool) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrNotConnected
	}
	return s.broker.publish(ctx, topic, payload, qos, retain)
}

// Close disconnects the session; it stops receiving messages.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.subs = map[string]transport.Handler{}
	s.mu.Unlock()
}

func (s *Session) matching(topic string) []transport.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.Handler
	for pattern, h := range s.subs {
		if transport.TopicMatches(pattern, topic) {
			out = append(out, h)
		}
	}
	return out
}
