package model

import "time"

// DefaultStaleAfter is the age after which a device's telemetry is treated
// as offline by readers.
const DefaultStaleAfter = 60 * time.Second

// TelemetrySnapshot is the most recent reading of one register of a device.
// It is derived from the telemetry table and never stored.
type TelemetrySnapshot struct {
	DeviceID   int64     `json:"device_id"`
	RegisterID int       `json:"register_id"`
	Value      int64     `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Age reports how old the reading is at now. Clock skew between the writer
// and the reader can make the raw difference negative, so the absolute value
// is returned.
func (s TelemetrySnapshot) Age(now time.Time) time.Duration {
	d := now.Sub(s.ObservedAt)
	if d < 0 {
		return -d
	}
	return d
}

// Stale reports whether the reading is older than threshold at now.
// A non-positive threshold falls back to DefaultStaleAfter.
func (s TelemetrySnapshot) Stale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return s.Age(now) > threshold
}
