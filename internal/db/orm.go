package db

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"modbus-bridge/internal/model"
)

// openORM opens a GORM connection for the given driver with sane defaults.
// SQLite goes through the pure-Go modernc driver registered as "sqlite".
func openORM(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
	switch driver {
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: sqliteDSN(dsn)}), cfg)
	}
}

// migrateORM creates missing tables and indexes for all models.
func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.TelemetryRow{}, &model.DeviceState{})
}

// closeORM closes the underlying SQL DB associated with the GORM connection.
func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insertTelemetry appends rows in a single statement.
func insertTelemetry(ctx context.Context, db *gorm.DB, rows []model.TelemetryRow) error {
	return db.WithContext(ctx).Create(&rows).Error
}

// upsertObserved records the outputs a slave reported. Observed columns are
// always refreshed; the desired columns follow the observation only while no
// operator command is pending, and dispatch_pending is never written on
// conflict.
func upsertObserved(ctx context.Context, db *gorm.DB, st *model.DeviceState) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"output0":          gorm.Expr("CASE WHEN device_state.dispatch_pending THEN device_state.output0 ELSE excluded.output0 END"),
			"output1":          gorm.Expr("CASE WHEN device_state.dispatch_pending THEN device_state.output1 ELSE excluded.output1 END"),
			"last_changed_at":  gorm.Expr("excluded.last_changed_at"),
			"observed_output0": gorm.Expr("excluded.observed_output0"),
			"observed_output1": gorm.Expr("excluded.observed_output1"),
			"observed_at":      gorm.Expr("excluded.observed_at"),
		}),
	}).Create(st).Error
}

// upsertDesired records operator intent for one output and raises the
// dispatch flag in the same statement.
func upsertDesired(ctx context.Context, db *gorm.DB, st *model.DeviceState, column string) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			column:             gorm.Expr("excluded." + column),
			"dispatch_pending": true,
			"last_changed_at":  gorm.Expr("excluded.last_changed_at"),
		}),
	}).Create(st).Error
}

// selectPending returns every row with an unsent command.
func selectPending(ctx context.Context, db *gorm.DB) ([]model.DeviceState, error) {
	var out []model.DeviceState
	err := db.WithContext(ctx).
		Where("dispatch_pending = ?", true).
		Order("device_id").
		Find(&out).Error
	return out, err
}

// clearPending lowers the flag only if the outputs still match what was
// dispatched. last_changed_at is left alone.
func clearPending(ctx context.Context, db *gorm.DB, deviceID int64, out0, out1 int) (int64, error) {
	res := db.WithContext(ctx).
		Model(&model.DeviceState{}).
		Where("device_id = ? AND output0 = ? AND output1 = ? AND dispatch_pending = ?", deviceID, out0, out1, true).
		Update("dispatch_pending", false)
	return res.RowsAffected, res.Error
}

// latestTelemetry returns the newest row per (device_id, register_id).
// Rows are append-only with a monotonic id, so MAX(id) marks the newest.
func latestTelemetry(ctx context.Context, db *gorm.DB, deviceID int64) ([]model.TelemetryRow, error) {
	sub := db.Model(&model.TelemetryRow{}).Select("MAX(id)").Group("device_id, register_id")
	if deviceID > 0 {
		sub = sub.Where("device_id = ?", deviceID)
	}
	var rows []model.TelemetryRow
	err := db.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("device_id, register_id").
		Find(&rows).Error
	return rows, err
}

// listTelemetry returns history for a device, newest first.
func listTelemetry(ctx context.Context, db *gorm.DB, deviceID int64, since time.Time, limit int) ([]model.TelemetryRow, error) {
	q := db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !since.IsZero() {
		q = q.Where("observed_at >= ?", since)
	}
	q = q.Order("observed_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.TelemetryRow
	err := q.Find(&rows).Error
	return rows, err
}
