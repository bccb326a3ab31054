package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"modbus-bridge/internal/model"
)

// WriteJSON writes v to path with pretty formatting.
func WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteTelemetryCSV writes telemetry rows to path.
// Columns: device_id,register_id,register,value,observed_at
func WriteTelemetryCSV(path string, rows []model.TelemetryRow) error {
	return writeFile(path, func(w io.Writer) error { return TelemetryCSV(w, rows) })
}

// TelemetryCSV writes telemetry rows as CSV to w.
func TelemetryCSV(out io.Writer, rows []model.TelemetryRow) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"device_id", "register_id", "register", "value", "observed_at"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.DeviceID, 10),
			strconv.Itoa(r.RegisterID),
			model.RegisterName(r.RegisterID),
			strconv.FormatInt(r.Value, 10),
			timeToRFC3339(r.ObservedAt),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteStatesCSV writes device state rows to path.
// Columns: device_id,output0,output1,dispatch_pending,last_changed_at,observed_output0,observed_output1,observed_at
func WriteStatesCSV(path string, states []model.DeviceState) error {
	return writeFile(path, func(w io.Writer) error { return StatesCSV(w, states) })
}

// StatesCSV writes device state rows as CSV to w.
func StatesCSV(out io.Writer, states []model.DeviceState) error {
	w := csv.NewWriter(out)
	headers := []string{"device_id", "output0", "output1", "dispatch_pending", "last_changed_at", "observed_output0", "observed_output1", "observed_at"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, s := range states {
		var observedAt string
		if s.ObservedAt != nil {
			observedAt = timeToRFC3339(*s.ObservedAt)
		}
		rec := []string{
			strconv.FormatInt(s.DeviceID, 10),
			strconv.Itoa(s.Output0),
			strconv.Itoa(s.Output1),
			strconv.FormatBool(s.DispatchPending),
			timeToRFC3339(s.LastChangedAt),
			strconv.Itoa(s.ObservedOutput0),
			strconv.Itoa(s.ObservedOutput1),
			observedAt,
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func timeToRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
