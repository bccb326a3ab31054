package bridge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/transport"
	"modbus-bridge/internal/transport/transporttest"
)

func TestManagerRoundTrip(t *testing.T) {
	t.Parallel()
	store, opts := testStore(t)
	broker := transporttest.NewBroker()

	cfg := config.Default()
	cfg.Dispatcher.Interval = 10 * time.Millisecond

	m := &Manager{
		Cfg:           cfg,
		Client:        broker.Connect(),
		IngestGuard:   testGuardian(t, opts),
		DispatchGuard: testGuardian(t, opts),
		Logger:        zaptest.NewLogger(t),
		ShutdownGrace: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()

	field := broker.Connect()
	payload := []byte(`{"slaveId": 11, "regs": {"40004": 0, "40005": 0}}`)
	waitFor(t, func() bool {
		// Publish until the manager has subscribed and stored the state.
		_ = field.Publish(ctx, "telemetry/slave/11", payload, transport.AtLeastOnce, false)
		_, err := store.DeviceState(ctx, 11)
		return err == nil
	})

	if err := store.SetDesiredOutput(ctx, 11, 1, 1, time.Now()); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	waitFor(t, func() bool {
		b, ok := broker.Retained("control/slave/11")
		return ok && string(b) == `{"device0":0,"device1":1}`
	})
	waitFor(t, func() bool {
		st, err := store.DeviceState(ctx, 11)
		return err == nil && !st.DispatchPending
	})
}

func TestManagerRejectsSharedGuardian(t *testing.T) {
	t.Parallel()
	_, opts := testStore(t)
	g := testGuardian(t, opts)
	m := &Manager{Cfg: config.Default(), Client: transporttest.NewBroker().Connect(), IngestGuard: g, DispatchGuard: g}
	if err := m.Run(context.Background()); err == nil {
		t.Fatalf("expected an error for a shared guardian")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
