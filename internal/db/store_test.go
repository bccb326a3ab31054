package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"modbus-bridge/internal/model"
)

func newTestDB(t *testing.T) (*DB, Options) {
	t.Helper()
	opts := Options{
		Driver:      DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "bridge_test.sqlite"),
		AutoMigrate: true,
		OpTimeout:   5 * time.Second,
	}
	d, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d, opts
}

func TestOpenFailsFastWithoutSchema(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "empty.sqlite"),
	})
	if !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Options{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestAppendTelemetryAndLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDB(t)

	t0 := time.Now().UTC().Truncate(time.Second)
	first := []model.TelemetryRow{
		{DeviceID: 7, RegisterID: model.RegPower, Value: 100, ObservedAt: t0},
		{DeviceID: 7, RegisterID: model.RegOutput0, Value: 0, ObservedAt: t0},
		{DeviceID: 8, RegisterID: model.RegPower, Value: 5, ObservedAt: t0},
	}
	second := []model.TelemetryRow{
		{DeviceID: 7, RegisterID: model.RegPower, Value: 150, ObservedAt: t0.Add(time.Second)},
	}
	if err := d.AppendTelemetry(ctx, first); err != nil {
		t.Fatalf("AppendTelemetry failed: %v", err)
	}
	if err := d.AppendTelemetry(ctx, second); err != nil {
		t.Fatalf("AppendTelemetry failed: %v", err)
	}

	latest, err := d.LatestTelemetry(ctx, 7)
	if err != nil {
		t.Fatalf("LatestTelemetry failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest registers for device 7, got %d", len(latest))
	}
	for _, s := range latest {
		if s.RegisterID == model.RegPower && s.Value != 150 {
			t.Fatalf("expected latest power 150, got %d", s.Value)
		}
	}

	all, err := d.LatestTelemetry(ctx, 0)
	if err != nil {
		t.Fatalf("LatestTelemetry(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 latest rows across devices, got %d", len(all))
	}

	history, err := d.History(ctx, 7, time.Time{}, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	if history[0].Value != 150 {
		t.Fatalf("expected newest row first, got value %d", history[0].Value)
	}

	limited, err := d.History(ctx, 7, time.Time{}, 1)
	if err != nil {
		t.Fatalf("History with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 row with limit=1, got %d", len(limited))
	}
}

func TestUpsertObservedConverges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDB(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := d.UpsertObserved(ctx, 7, 1, 0, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("UpsertObserved #%d failed: %v", i, err)
		}
	}
	st, err := d.DeviceState(ctx, 7)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	if st.Output0 != 1 || st.Output1 != 0 {
		t.Fatalf("expected outputs 1/0, got %d/%d", st.Output0, st.Output1)
	}
	if st.DispatchPending {
		t.Fatalf("telemetry must not raise the dispatch flag")
	}
	if st.ObservedAt == nil {
		t.Fatalf("expected observed_at to be set")
	}
}

func TestUpsertObservedKeepsPendingCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDB(t)

	now := time.Now().UTC()
	if err := d.UpsertObserved(ctx, 5, 0, 0, now); err != nil {
		t.Fatalf("UpsertObserved failed: %v", err)
	}
	if err := d.SetDesiredOutput(ctx, 5, 0, 1, now.Add(time.Second)); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	// Slave still reports the old state before the command reaches it.
	if err := d.UpsertObserved(ctx, 5, 0, 0, now.Add(2*time.Second)); err != nil {
		t.Fatalf("UpsertObserved failed: %v", err)
	}

	st, err := d.DeviceState(ctx, 5)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	if !st.DispatchPending {
		t.Fatalf("expected dispatch flag to survive telemetry upsert")
	}
	if st.Output0 != 1 {
		t.Fatalf("expected desired output0 1, got %d", st.Output0)
	}
	if st.ObservedOutput0 != 0 {
		t.Fatalf("expected observed output0 0, got %d", st.ObservedOutput0)
	}
}

func TestSetDesiredOutputCreatesRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDB(t)

	if err := d.SetDesiredOutput(ctx, 9, 1, 1, time.Now()); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	st, err := d.DeviceState(ctx, 9)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	if st.Output0 != 0 || st.Output1 != 1 || !st.DispatchPending {
		t.Fatalf("unexpected state %+v", st)
	}

	if err := d.SetDesiredOutput(ctx, 9, 2, 1, time.Now()); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
	if _, err := d.DeviceState(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearPendingIsCompareAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _ := newTestDB(t)

	if err := d.SetDesiredOutput(ctx, 5, 0, 1, time.Now()); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	pending, err := d.PendingCommands(ctx)
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(pending))
	}
	snapshot := pending[0]

	// Operator changes the other output between scan and acknowledgement.
	if err := d.SetDesiredOutput(ctx, 5, 1, 1, time.Now()); err != nil {
		t.Fatalf("SetDesiredOutput failed: %v", err)
	}
	cleared, err := d.ClearPending(ctx, snapshot)
	if err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	if cleared {
		t.Fatalf("stale acknowledgement must not clear a newer command")
	}

	current, err := d.DeviceState(ctx, 5)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	cleared, err = d.ClearPending(ctx, *current)
	if err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	if !cleared {
		t.Fatalf("expected acknowledgement of current state to clear the flag")
	}

	after, err := d.DeviceState(ctx, 5)
	if err != nil {
		t.Fatalf("DeviceState failed: %v", err)
	}
	if after.DispatchPending {
		t.Fatalf("expected dispatch flag cleared")
	}
	if !after.LastChangedAt.Equal(current.LastChangedAt) {
		t.Fatalf("clearing must not touch last_changed_at: %v != %v", after.LastChangedAt, current.LastChangedAt)
	}

	pending, err = d.PendingCommands(ctx)
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending commands, got %d", len(pending))
	}
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"a.sqlite":                   "a.sqlite?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"file:a.sqlite?cache=shared": "file:a.sqlite?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"a.sqlite?_pragma=foo(1)":    "a.sqlite?_pragma=foo(1)",
		":memory:":                   ":memory:",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
