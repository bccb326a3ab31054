package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap/zaptest"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// startBroker runs an embedded broker on addr until the returned stop is
// called or the test ends.
func startBroker(t *testing.T, addr string) (stop func()) {
	t.Helper()
	server := mochi.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			t.Errorf("broker serve: %v", err)
		}
	}()
	var once sync.Once
	stop = func() { once.Do(func() { _ = server.Close() }) }
	t.Cleanup(stop)
	return stop
}

func newTestClient(t *testing.T, addr string) *MQTTClient {
	t.Helper()
	c := NewMQTTClient(MQTTOptions{
		Broker:         "tcp://" + addr,
		ClientIDPrefix: "transport-test-",
		CleanSession:   true,
		ConnectTimeout: 2 * time.Second,
		PublishTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *inbox) handle(_ context.Context, m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) find(topic, payload string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m.Topic == topic && string(m.Payload) == payload {
			return m, true
		}
	}
	return Message{}, false
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestMQTTConnectRefused(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "127.0.0.1:1")
	ctx := context.Background()

	if err := c.Connect(ctx); err == nil {
		t.Fatalf("expected connect to a refused port to fail")
	}
	if err := c.Publish(ctx, "control/slave/1", []byte(`{}`), AtLeastOnce, true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from publish, got %v", err)
	}
	// Subscriptions made while down are kept for the next connect.
	if err := c.Subscribe(ctx, "telemetry/slave/+", AtLeastOnce, func(context.Context, Message) {}); err != nil {
		t.Fatalf("expected deferred subscribe, got %v", err)
	}
}

func TestMQTTSubscribeBeforeConnect(t *testing.T) {
	t.Parallel()
	addr := freeAddr(t)
	startBroker(t, addr)
	ctx := context.Background()

	var got inbox
	sub := newTestClient(t, addr)
	if err := sub.Subscribe(ctx, "telemetry/slave/+", AtLeastOnce, got.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	pub := newTestClient(t, addr)
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		_ = pub.Publish(ctx, "telemetry/slave/3", []byte(`{"slaveId":3}`), AtLeastOnce, false)
		_, ok := got.find("telemetry/slave/3", `{"slaveId":3}`)
		return ok
	})
}

func TestMQTTRetainedDelivery(t *testing.T) {
	t.Parallel()
	addr := freeAddr(t)
	startBroker(t, addr)
	ctx := context.Background()

	pub := newTestClient(t, addr)
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := pub.Publish(ctx, "control/slave/5", []byte(`{"device0":1,"device1":0}`), AtLeastOnce, true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var got inbox
	late := newTestClient(t, addr)
	if err := late.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := late.Subscribe(ctx, "control/slave/+", AtLeastOnce, got.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		m, ok := got.find("control/slave/5", `{"device0":1,"device1":0}`)
		return ok && m.Retained
	})
}

func TestMQTTResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()
	addr := freeAddr(t)
	stop := startBroker(t, addr)
	ctx := context.Background()

	var got inbox
	sub := newTestClient(t, addr)
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := sub.Subscribe(ctx, "telemetry/slave/+", AtLeastOnce, got.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	stop()
	waitUntil(t, 5*time.Second, func() bool { return !sub.client.IsConnectionOpen() })
	if err := sub.Publish(ctx, "telemetry/slave/9", []byte(`{}`), AtLeastOnce, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while the broker is down, got %v", err)
	}
	startBroker(t, addr)

	pub := newTestClient(t, addr)
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitUntil(t, 20*time.Second, func() bool {
		_ = pub.Publish(ctx, "telemetry/slave/9", []byte(`{"slaveId":9}`), AtLeastOnce, false)
		_, ok := got.find("telemetry/slave/9", `{"slaveId":9}`)
		return ok
	})
}
