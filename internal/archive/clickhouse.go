package archive

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"modbus-bridge/internal/config"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const createTable = `
CREATE TABLE IF NOT EXISTS %s (
	device_id Int64,
	register_id Int32,
	value Int64,
	observed_at DateTime
)
ENGINE = MergeTree
PRIMARY KEY (device_id, observed_at)
ORDER BY (device_id, observed_at, register_id)
`

// ClickHouseSink appends batches to a MergeTree table.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// OpenClickHouse connects, logs the server version and creates the table
// if it does not exist.
func OpenClickHouse(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid archive table name %q", cfg.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	v, err := conn.ServerVersion()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("connected to clickhouse server", zap.String("version", v.Version.String()), zap.Uint64("revision", v.Revision))
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTable, cfg.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create archive table: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: cfg.Table}, nil
}

// Write sends rows as one batch insert.
func (s *ClickHouseSink) Write(ctx context.Context, rows []Row) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// NewClickHouse opens the sink and starts an Archiver on it.
func NewClickHouse(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	sink, err := OpenClickHouse(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(sink, Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxQueueSize:  cfg.MaxQueueSize,
	}, logger), nil
}
