package model

import (
	"testing"
	"time"
)

func TestSnapshotStale(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := TelemetrySnapshot{DeviceID: 1, RegisterID: RegPower, ObservedAt: now.Add(-90 * time.Second)}
	if !s.Stale(now, 0) {
		t.Fatalf("expected 90s old reading to be stale with the default threshold")
	}
	if s.Stale(now, 2*time.Minute) {
		t.Fatalf("expected reading to be fresh with a 2m threshold")
	}

	// A writer clock ahead of the reader still yields a positive age.
	ahead := TelemetrySnapshot{ObservedAt: now.Add(30 * time.Second)}
	if got := ahead.Age(now); got != 30*time.Second {
		t.Fatalf("expected 30s age, got %s", got)
	}
}

func TestReadingFromSnapshots(t *testing.T) {
	t.Parallel()
	snaps := []TelemetrySnapshot{
		{DeviceID: 2, RegisterID: RegVoltage, Value: 2305},
		{DeviceID: 2, RegisterID: RegCurrent, Value: 125},
		{DeviceID: 2, RegisterID: RegPower, Value: 288},
		{DeviceID: 2, RegisterID: RegEnergy, Value: 12500},
		{DeviceID: 2, RegisterID: RegOutput1, Value: 1},
		{DeviceID: 3, RegisterID: RegVoltage, Value: 9999},
	}
	r := ReadingFromSnapshots(2, snaps)
	if r.Volts != 230.5 || r.Amps != 1.25 || r.Watts != 288 || r.KWh != 12.5 {
		t.Fatalf("unexpected scaling %+v", r)
	}
	if r.Output0 != 0 || r.Output1 != 1 {
		t.Fatalf("unexpected outputs %+v", r)
	}
	if RegisterName(RegEnergy) != "energy" || RegisterName(1) != "" {
		t.Fatalf("unexpected register names")
	}
}

func TestDeviceStateOutput(t *testing.T) {
	t.Parallel()
	s := DeviceState{Output0: 1, Output1: 0}
	if s.Output(0) != 1 || s.Output(1) != 0 {
		t.Fatalf("unexpected outputs %+v", s)
	}
}
