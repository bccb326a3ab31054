package model

import "time"

// TelemetryRow is one append-only register reading reported by a slave.
// Table: telemetry
type TelemetryRow struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeviceID   int64     `gorm:"column:device_id;not null;index:idx_telemetry_device_observed,priority:1" json:"device_id"`
	RegisterID int       `gorm:"column:register_id;not null" json:"register_id"`
	Value      int64     `gorm:"column:value;not null" json:"value"`
	ObservedAt time.Time `gorm:"column:observed_at;not null;index:idx_telemetry_device_observed,priority:2" json:"observed_at"`
}

func (TelemetryRow) TableName() string { return "telemetry" }

// DeviceState is the per-device current state and pending command row.
// Table: device_state
//
// Output0/Output1 hold the desired outputs dispatched to the slave. The
// Observed* columns always hold what the slave last reported, so telemetry
// never has to overwrite an operator command that is still pending.
type DeviceState struct {
	DeviceID        int64      `gorm:"column:device_id;primaryKey;autoIncrement:false"`
	Output0         int        `gorm:"column:output0;not null"`
	Output1         int        `gorm:"column:output1;not null"`
	DispatchPending bool       `gorm:"column:dispatch_pending;not null;index"`
	LastChangedAt   time.Time  `gorm:"column:last_changed_at;not null"`
	ObservedOutput0 int        `gorm:"column:observed_output0;not null"`
	ObservedOutput1 int        `gorm:"column:observed_output1;not null"`
	ObservedAt      *time.Time `gorm:"column:observed_at"`
}

func (DeviceState) TableName() string { return "device_state" }

// Output returns the desired state of output n (0 or 1).
func (s DeviceState) Output(n int) int {
	if n == 1 {
		return s.Output1
	}
	return s.Output0
}
