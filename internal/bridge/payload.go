package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"modbus-bridge/internal/model"
)

// Telemetry is a decoded inbound report of one slave.
type Telemetry struct {
	DeviceID  int64
	Registers map[int]int64
}

type telemetryDoc struct {
	SlaveID *json.Number           `json:"slaveId"`
	Regs    map[string]json.Number `json:"regs"`
}

// DecodeTelemetry parses {"slaveId": <int>, "regs": {"<reg>": <int>}}.
// Any missing key or non-integer value makes the whole message malformed.
func DecodeTelemetry(b []byte) (Telemetry, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc telemetryDoc
	if err := dec.Decode(&doc); err != nil {
		return Telemetry{}, malformed(fmt.Errorf("decode: %w", err))
	}
	if doc.SlaveID == nil {
		return Telemetry{}, malformed(fmt.Errorf("missing slaveId"))
	}
	id, err := integer(*doc.SlaveID)
	if err != nil {
		return Telemetry{}, malformed(fmt.Errorf("slaveId: %w", err))
	}
	if id <= 0 {
		return Telemetry{}, malformed(fmt.Errorf("slaveId %d is not positive", id))
	}
	if doc.Regs == nil {
		return Telemetry{}, malformed(fmt.Errorf("missing regs"))
	}
	t := Telemetry{DeviceID: id, Registers: make(map[int]int64, len(doc.Regs))}
	for k, v := range doc.Regs {
		reg, err := strconv.Atoi(k)
		if err != nil {
			return Telemetry{}, malformed(fmt.Errorf("register key %q is not an integer", k))
		}
		val, err := integer(v)
		if err != nil {
			return Telemetry{}, malformed(fmt.Errorf("register %d: %w", reg, err))
		}
		t.Registers[reg] = val
	}
	return t, nil
}

// integer accepts JSON integers and floats with no fractional part.
func integer(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if err != nil || f != math.Trunc(f) || f >= 1<<63 || f < -(1<<63) {
		return 0, fmt.Errorf("%q is not an integer", n.String())
	}
	return int64(f), nil
}

// Output returns the observed state of output register reg, 0 when absent.
func (t Telemetry) Output(reg int) int {
	if t.Registers[reg] != 0 {
		return 1
	}
	return 0
}

// Rows builds one telemetry row per register, ordered by register id.
func (t Telemetry) Rows(at time.Time) []model.TelemetryRow {
	regs := make([]int, 0, len(t.Registers))
	for r := range t.Registers {
		regs = append(regs, r)
	}
	sort.Ints(regs)
	rows := make([]model.TelemetryRow, 0, len(regs))
	for _, r := range regs {
		rows = append(rows, model.TelemetryRow{
			DeviceID:   t.DeviceID,
			RegisterID: r,
			Value:      t.Registers[r],
			ObservedAt: at,
		})
	}
	return rows
}

// EncodeTelemetry builds the inbound document; used by the gateway.
func EncodeTelemetry(deviceID int64, regs map[int]int64) ([]byte, error) {
	m := make(map[string]int64, len(regs))
	for k, v := range regs {
		m[strconv.Itoa(k)] = v
	}
	return json.Marshal(struct {
		SlaveID int64            `json:"slaveId"`
		Regs    map[string]int64 `json:"regs"`
	}{deviceID, m})
}

// Control is the retained command document sent to a slave.
type Control struct {
	Device0 int `json:"device0"`
	Device1 int `json:"device1"`
}

// ControlFor builds the command for a state row.
func ControlFor(st model.DeviceState) Control {
	return Control{Device0: st.Output0, Device1: st.Output1}
}

// Encode marshals the command.
func (c Control) Encode() ([]byte, error) { return json.Marshal(c) }

// DecodeControl parses a command document.
func DecodeControl(b []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(b, &c); err != nil {
		return Control{}, malformed(fmt.Errorf("decode control: %w", err))
	}
	if (c.Device0 != 0 && c.Device0 != 1) || (c.Device1 != 0 && c.Device1 != 1) {
		return Control{}, malformed(fmt.Errorf("control outputs must be 0 or 1: %+v", c))
	}
	return c, nil
}

// ControlTopic returns the retained control topic of a device.
func ControlTopic(prefix string, deviceID int64) string {
	return prefix + "/" + strconv.FormatInt(deviceID, 10)
}
