package bridge

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"modbus-bridge/internal/db"
	"modbus-bridge/internal/transport"
	"modbus-bridge/internal/transport/transporttest"
)

func newTestDispatcher(t *testing.T, opts db.Options, client transport.Client) *Dispatcher {
	t.Helper()
	return NewDispatcher(testGuardian(t, opts), client, DispatcherConfig{ControlPrefix: "control/slave"}, zaptest.NewLogger(t))
}

func TestDispatchPublishesRetainedAndClears(t *testing.T) {
	t.Parallel()
	store, opts := testStore(t)
	broker := transporttest.NewBroker()
	d := newTestDispatcher(t, opts, broker.Connect())
	ctx := context.Background()

	if err := store.SetDesiredOutput(ctx, 5, 0, 1, receivedAt); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}

	rep := d.Tick(ctx)
	if rep.Err != nil {
		t.Fatalf("Tick failed: %v", rep.Err)
	}
	if rep.Pending != 1 || rep.Published != 1 || rep.Cleared != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	pubs := broker.PublishedTo("control/slave/5")
	if len(pubs) != 1 {
		t.Fatalf("expected one control publish, got %d", len(pubs))
	}
	if string(pubs[0].Payload) != `{"device0":1,"device1":0}` {
		t.Fatalf("unexpected payload %s", pubs[0].Payload)
	}
	if !pubs[0].Retain || pubs[0].QoS != transport.AtLeastOnce {
		t.Fatalf("control publish must be retained at least once: %+v", pubs[0])
	}

	st, err := store.DeviceState(ctx, 5)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	if st.DispatchPending {
		t.Fatalf("expected pending flag cleared")
	}
	if !st.LastChangedAt.Equal(receivedAt) {
		t.Fatalf("clear must not touch last_changed_at: %v", st.LastChangedAt)
	}

	if rep := d.Tick(ctx); rep.Pending != 0 || rep.Published != 0 {
		t.Fatalf("expected idle second tick, got %+v", rep)
	}
}

func TestDispatchIsolatesPublishFailures(t *testing.T) {
	t.Parallel()
	store, opts := testStore(t)
	broker := transporttest.NewBroker()
	d := newTestDispatcher(t, opts, broker.Connect())
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		if err := store.SetDesiredOutput(ctx, id, 1, 1, receivedAt); err != nil {
			t.Fatalf("SetDesiredOutput(%d) failed: %v", id, err)
		}
	}
	broker.FailPublish("control/slave/1", errors.New("broker unavailable"))

	rep := d.Tick(ctx)
	if rep.Err != nil {
		t.Fatalf("publish failures must not abort the tick: %v", rep.Err)
	}
	if rep.Failed != 1 || rep.Cleared != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	one, _ := store.DeviceState(ctx, 1)
	two, _ := store.DeviceState(ctx, 2)
	if !one.DispatchPending {
		t.Fatalf("failed device must stay pending")
	}
	if two.DispatchPending {
		t.Fatalf("healthy device must be cleared")
	}

	broker.FailPublish("control/slave/1", nil)
	rep = d.Tick(ctx)
	if rep.Pending != 1 || rep.Cleared != 1 {
		t.Fatalf("expected retry of device 1, got %+v", rep)
	}
}

func TestDispatchRetainedStateReachesLateSubscriber(t *testing.T) {
	t.Parallel()
	store, opts := testStore(t)
	broker := transporttest.NewBroker()
	d := newTestDispatcher(t, opts, broker.Connect())
	ctx := context.Background()

	if err := store.SetDesiredOutput(ctx, 8, 1, 1, receivedAt); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	if rep := d.Tick(ctx); rep.Cleared != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	// A device that was offline during dispatch connects afterwards.
	device := broker.Connect()
	var got []Control
	err := device.Subscribe(ctx, "control/slave/8", transport.AtLeastOnce, func(_ context.Context, m transport.Message) {
		c, err := DecodeControl(m.Payload)
		if err != nil {
			t.Errorf("DecodeControl failed: %v", err)
			return
		}
		got = append(got, c)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(got) != 1 || got[0] != (Control{Device0: 0, Device1: 1}) {
		t.Fatalf("expected retained command, got %+v", got)
	}
}

func TestDispatchStoreFailureAbortsTick(t *testing.T) {
	t.Parallel()
	broker := transporttest.NewBroker()
	guard := db.NewGuardian(func(context.Context) (*db.DB, error) {
		return nil, errors.New("connection refused")
	}, zaptest.NewLogger(t))
	d := NewDispatcher(guard, broker.Connect(), DispatcherConfig{}, zaptest.NewLogger(t))

	rep := d.Tick(context.Background())
	if rep.Err == nil || !IsRetryable(rep.Err) {
		t.Fatalf("expected retryable store error, got %v", rep.Err)
	}
	if len(broker.Published()) != 0 {
		t.Fatalf("nothing must be published when the store is down")
	}
}

func TestDispatchRecoversAfterDroppedConnection(t *testing.T) {
	t.Parallel()
	store, opts := testStore(t)
	broker := transporttest.NewBroker()
	guard := testGuardian(t, opts)
	d := NewDispatcher(guard, broker.Connect(), DispatcherConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := store.SetDesiredOutput(ctx, 6, 0, 1, receivedAt); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	dropGuardedConnection(t, guard)

	rep := d.Tick(ctx)
	if rep.Err != nil || rep.Cleared != 1 {
		t.Fatalf("expected dispatch after reconnect, got %+v", rep)
	}
	if guard.Reconnects() != 1 {
		t.Fatalf("expected one reconnect, got %d", guard.Reconnects())
	}
}

func TestDispatchRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	_, opts := testStore(t)
	d := newTestDispatcher(t, opts, transporttest.NewBroker().Connect())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
