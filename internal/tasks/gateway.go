package tasks

import (
	"context"
	"errors"

	"modbus-bridge/internal/gateway"
)

// InitAndRunGateway loads config, connects the transport and polls the
// configured slaves until ctx is cancelled.
func InitAndRunGateway(ctx context.Context, opts Options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if len(cfg.Gateway.Slaves) == 0 {
		return errors.New("gateway.slaves is empty")
	}

	client, err := connectMQTT(ctx, cfg.MQTT, "gateway", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	g := &gateway.Gateway{Cfg: cfg, Client: client, Logger: logger}
	return g.Run(ctx)
}
