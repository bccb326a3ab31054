package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"modbus-bridge/internal/archive"
	"modbus-bridge/internal/bridge"
	"modbus-bridge/internal/db"
)

// InitAndRunBridge loads config, opens one store connection per worker,
// connects the transport and runs the bridge until ctx is cancelled.
// Any startup failure is returned before the workers start.
func InitAndRunBridge(ctx context.Context, opts Options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	storeOpts := StoreOptions(cfg.Store)
	ingest := db.NewGuardianWithOptions(storeOpts, logger.Named("ingest-store"))
	if err := ingest.Connect(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer ingest.Close()
	// The dispatcher's connection is opened after the schema exists.
	storeOpts.AutoMigrate = false
	dispatch := db.NewGuardianWithOptions(storeOpts, logger.Named("dispatch-store"))
	if err := dispatch.Connect(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer dispatch.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	client, err := connectMQTT(ctx, cfg.MQTT, "bridge", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	mgr := &bridge.Manager{
		Cfg:           cfg,
		Client:        client,
		IngestGuard:   ingest,
		DispatchGuard: dispatch,
		Logger:        logger,
	}
	if cfg.Archive.Enabled {
		a, err := archive.NewClickHouse(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer a.Close()
		mgr.Archive = a
	}
	return mgr.Run(ctx)
}
