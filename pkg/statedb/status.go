package statedb

import (
	"context"
	"errors"
	"time"

	"modbus-bridge/internal/model"
	"modbus-bridge/internal/tariff"
)

// Status is the dashboard view of one device.
type Status struct {
	model.Reading
	Online     bool          `json:"online"`
	Age        time.Duration `json:"age"`
	ObservedAt time.Time     `json:"observed_at"`
	Pending    bool          `json:"pending"`
	Cost       float64       `json:"cost"`
}

// StatusOptions tunes Status.
type StatusOptions struct {
	StaleAfter time.Duration     // defaults to model.DefaultStaleAfter
	Tariff     tariff.Calculator // defaults to tariff.Default()
}

// Status combines the latest telemetry with the state row of deviceID.
// Outputs come from the state row when one exists, otherwise from
// telemetry. A stale device reports zero power.
func (c *Client) Status(ctx context.Context, deviceID int64, opts StatusOptions) (*Status, error) {
	if opts.Tariff == nil {
		opts.Tariff = tariff.Default()
	}
	snaps, err := c.db.LatestTelemetry(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	st, err := c.db.DeviceState(ctx, deviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if len(snaps) == 0 && st == nil {
		return nil, ErrNotFound
	}

	out := &Status{Reading: model.ReadingFromSnapshots(deviceID, snaps)}
	var newest model.TelemetrySnapshot
	for _, s := range snaps {
		if s.ObservedAt.After(newest.ObservedAt) {
			newest = s
		}
	}
	now := c.now()
	if len(snaps) > 0 {
		out.ObservedAt = newest.ObservedAt
		out.Age = newest.Age(now)
		out.Online = !newest.Stale(now, opts.StaleAfter)
	}
	if !out.Online {
		out.Watts = 0
	}
	if st != nil {
		out.Output0, out.Output1 = st.Output0, st.Output1
		out.Pending = st.DispatchPending
	}
	out.Cost = opts.Tariff.Cost(out.KWh)
	return out, nil
}
