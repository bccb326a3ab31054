package model

// Well-known holding register identifiers reported by every slave.
// Only RegOutput0 and RegOutput1 take part in the control loop; the rest
// are persisted verbatim.
const (
	RegVoltage = 40000
	RegCurrent = 40001
	RegPower   = 40002
	RegEnergy  = 40003
	RegOutput0 = 40004
	RegOutput1 = 40005
)

// RegisterNames maps well-known registers to short names used in exports.
var RegisterNames = map[int]string{
	RegVoltage: "voltage",
	RegCurrent: "current",
	RegPower:   "power",
	RegEnergy:  "energy",
	RegOutput0: "output0",
	RegOutput1: "output1",
}

// RegisterName returns the well-known name of reg, or "" when unknown.
func RegisterName(reg int) string { return RegisterNames[reg] }

// Reading is a scaled view of the latest electrical registers of a slave.
type Reading struct {
	DeviceID int64   `json:"device_id"`
	Volts    float64 `json:"volts"`
	Amps     float64 `json:"amps"`
	Watts    float64 `json:"watts"`
	KWh      float64 `json:"kwh"`
	Output0  int     `json:"output0"`
	Output1  int     `json:"output1"`
}

// ReadingFromSnapshots scales raw register values: voltage is in tenths of
// a volt, current in hundredths of an amp, energy in watt-hours.
func ReadingFromSnapshots(deviceID int64, snaps []TelemetrySnapshot) Reading {
	r := Reading{DeviceID: deviceID}
	for _, s := range snaps {
		if s.DeviceID != deviceID {
			continue
		}
		switch s.RegisterID {
		case RegVoltage:
			r.Volts = float64(s.Value) / 10
		case RegCurrent:
			r.Amps = float64(s.Value) / 100
		case RegPower:
			r.Watts = float64(s.Value)
		case RegEnergy:
			r.KWh = float64(s.Value) / 1000
		case RegOutput0:
			r.Output0 = int(s.Value)
		case RegOutput1:
			r.Output1 = int(s.Value)
		}
	}
	return r
}
