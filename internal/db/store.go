package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"modbus-bridge/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrSchemaMissing is returned by Open when the pre-provisioned tables are absent.
	ErrSchemaMissing = errors.New("store schema missing")
	// ErrNotFound is returned when a device has no state row.
	ErrNotFound = errors.New("device state not found")
	// ErrInvalidOutput is returned for an output index other than 0 or 1.
	ErrInvalidOutput = errors.New("output must be 0 or 1")
)

// Options configures how a store connection is opened.
type Options struct {
	Driver      string
	DSN         string
	AutoMigrate bool
	// OpTimeout bounds every store operation. Zero disables the bound.
	OpTimeout time.Duration
}

// DB wraps a single store connection owned by one worker.
type DB struct {
	ORM       *gorm.DB
	opTimeout time.Duration
}

// Open opens the store, optionally creates the schema, and verifies that
// both tables exist. The pool is capped at one connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	g, err := openORM(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		_ = closeORM(g)
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{ORM: g, opTimeout: opts.OpTimeout}
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if opts.AutoMigrate {
		if err := migrateORM(g.WithContext(ctx)); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if err := d.verifySchema(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) verifySchema() error {
	m := d.ORM.Migrator()
	for _, t := range []interface{ TableName() string }{model.TelemetryRow{}, model.DeviceState{}} {
		if !m.HasTable(t.TableName()) {
			return fmt.Errorf("%w: table %s", ErrSchemaMissing, t.TableName())
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return closeORM(d.ORM) }

// Ping is the liveness probe used by the Guardian.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.ORM.DB()
	if err != nil {
		return err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

// AppendTelemetry inserts one row per register reading.
func (d *DB) AppendTelemetry(ctx context.Context, rows []model.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return insertTelemetry(ctx, d.ORM, rows)
}

// UpsertObserved records outputs reported by a slave. A new row starts with
// no pending dispatch.
func (d *DB) UpsertObserved(ctx context.Context, deviceID int64, out0, out1 int, at time.Time) error {
	at = at.UTC()
	st := &model.DeviceState{
		DeviceID:        deviceID,
		Output0:         out0,
		Output1:         out1,
		DispatchPending: false,
		LastChangedAt:   at,
		ObservedOutput0: out0,
		ObservedOutput1: out1,
		ObservedAt:      &at,
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return upsertObserved(ctx, d.ORM, st)
}

// SetDesiredOutput records an operator command for one output and marks the
// device for dispatch. A missing row is created with the other output off.
func (d *DB) SetDesiredOutput(ctx context.Context, deviceID int64, output, state int, at time.Time) error {
	if output != 0 && output != 1 {
		return ErrInvalidOutput
	}
	if state != 0 {
		state = 1
	}
	st := &model.DeviceState{
		DeviceID:        deviceID,
		DispatchPending: true,
		LastChangedAt:   at.UTC(),
	}
	column := "output0"
	if output == 1 {
		column = "output1"
		st.Output1 = state
	} else {
		st.Output0 = state
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return upsertDesired(ctx, d.ORM, st, column)
}

// PendingCommands returns all rows whose dispatch flag is set.
func (d *DB) PendingCommands(ctx context.Context) ([]model.DeviceState, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return selectPending(ctx, d.ORM)
}

// ClearPending acknowledges the dispatch of st. It reports false when the
// row changed since it was read, in which case the flag stays set.
func (d *DB) ClearPending(ctx context.Context, st model.DeviceState) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	n, err := clearPending(ctx, d.ORM, st.DeviceID, st.Output0, st.Output1)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeviceState returns the state row of one device.
func (d *DB) DeviceState(ctx context.Context, deviceID int64) (*model.DeviceState, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	var st model.DeviceState
	err := d.ORM.WithContext(ctx).Where("device_id = ?", deviceID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeviceStates returns every state row ordered by device.
func (d *DB) DeviceStates(ctx context.Context) ([]model.DeviceState, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	var out []model.DeviceState
	if err := d.ORM.WithContext(ctx).Order("device_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LatestTelemetry returns the newest reading of every register of deviceID,
// or of every device when deviceID is 0.
func (d *DB) LatestTelemetry(ctx context.Context, deviceID int64) ([]model.TelemetrySnapshot, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rows, err := latestTelemetry(ctx, d.ORM, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TelemetrySnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TelemetrySnapshot{
			DeviceID:   r.DeviceID,
			RegisterID: r.RegisterID,
			Value:      r.Value,
			ObservedAt: r.ObservedAt,
		})
	}
	return out, nil
}

// History returns telemetry rows of a device newest first. A zero since
// means no lower bound; limit <= 0 means no limit.
func (d *DB) History(ctx context.Context, deviceID int64, since time.Time, limit int) ([]model.TelemetryRow, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return listTelemetry(ctx, d.ORM, deviceID, since.UTC(), limit)
}

// sqliteDSN adds a busy timeout and WAL journal to plain file paths so
// the ingestor and dispatcher connections can write side by side.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "bridge.sqlite"
	}
	if strings.Contains(dsn, "_pragma=") || dsn == ":memory:" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
