// Package statedb exposes a stable API over the bridge store for the
// operator surfaces: toggling outputs and reading current state.
package statedb

import (
	"context"
	"errors"
	"time"

	dbpkg "modbus-bridge/internal/db"
	"modbus-bridge/internal/model"
)

// ErrNotFound is returned when a device has no state row.
var ErrNotFound = dbpkg.ErrNotFound

// Options selects the store.
type Options struct {
	Driver      string // sqlite | postgres
	DSN         string
	AutoMigrate bool
}

// Client exposes a stable API for third-party packages to access the store.
type Client struct {
	db  *dbpkg.DB
	now func() time.Time
}

// Open connects to the store and verifies its schema.
func Open(ctx context.Context, opts Options) (*Client, error) {
	d, err := dbpkg.Open(ctx, dbpkg.Options{
		Driver:      opts.Driver,
		DSN:         opts.DSN,
		AutoMigrate: opts.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	return &Client{db: d, now: time.Now}, nil
}

// Close closes the underlying DB.
func (c *Client) Close() error { return c.db.Close() }

// --------------------
// DTOs
// --------------------

type DeviceState struct {
	DeviceID        int64      `json:"device_id"`
	Output0         int        `json:"output0"`
	Output1         int        `json:"output1"`
	DispatchPending bool       `json:"dispatch_pending"`
	LastChangedAt   time.Time  `json:"last_changed_at"`
	ObservedOutput0 int        `json:"observed_output0"`
	ObservedOutput1 int        `json:"observed_output1"`
	ObservedAt      *time.Time `json:"observed_at,omitempty"`
}

type Sample struct {
	DeviceID   int64     `json:"device_id"`
	RegisterID int       `json:"register_id"`
	Register   string    `json:"register,omitempty"`
	Value      int64     `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

func fromModelState(s *model.DeviceState) DeviceState {
	return DeviceState{
		DeviceID:        s.DeviceID,
		Output0:         s.Output0,
		Output1:         s.Output1,
		DispatchPending: s.DispatchPending,
		LastChangedAt:   s.LastChangedAt,
		ObservedOutput0: s.ObservedOutput0,
		ObservedOutput1: s.ObservedOutput1,
		ObservedAt:      s.ObservedAt,
	}
}

func sample(deviceID int64, registerID int, value int64, at time.Time) Sample {
	return Sample{
		DeviceID:   deviceID,
		RegisterID: registerID,
		Register:   model.RegisterName(registerID),
		Value:      value,
		ObservedAt: at,
	}
}

// --------------------
// Commands
// --------------------

// Toggle requests output (0 or 1) of deviceID to be switched on or off.
// The dispatcher delivers the command on its next scan.
func (c *Client) Toggle(ctx context.Context, deviceID int64, output int, on bool) error {
	if deviceID <= 0 {
		return errors.New("device id must be positive")
	}
	state := 0
	if on {
		state = 1
	}
	return c.db.SetDesiredOutput(ctx, deviceID, output, state, c.now())
}

// --------------------
// Queries
// --------------------

func (c *Client) State(ctx context.Context, deviceID int64) (*DeviceState, error) {
	st, err := c.db.DeviceState(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	out := fromModelState(st)
	return &out, nil
}

func (c *Client) States(ctx context.Context) ([]DeviceState, error) {
	list, err := c.db.DeviceStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceState, 0, len(list))
	for i := range list {
		out = append(out, fromModelState(&list[i]))
	}
	return out, nil
}

// Latest returns the newest sample per register of deviceID, or of every
// device when deviceID is 0.
func (c *Client) Latest(ctx context.Context, deviceID int64) ([]Sample, error) {
	snaps, err := c.db.LatestTelemetry(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, sample(s.DeviceID, s.RegisterID, s.Value, s.ObservedAt))
	}
	return out, nil
}

// History returns samples of deviceID newest first.
func (c *Client) History(ctx context.Context, deviceID int64, since time.Time, limit int) ([]Sample, error) {
	rows, err := c.db.History(ctx, deviceID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		out = append(out, sample(r.DeviceID, r.RegisterID, r.Value, r.ObservedAt))
	}
	return out, nil
}
