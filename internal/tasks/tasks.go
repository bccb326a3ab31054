// Package tasks wires configuration, logging, store and transport into the
// long-running processes started by the commands.
package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/db"
	"modbus-bridge/internal/logging"
	"modbus-bridge/internal/transport"
)

// Options defines initialization overrides shared by the commands.
type Options struct {
	ConfigPath string
	// LogLevel overrides log.level when set.
	LogLevel string
	// Logger replaces the logger built from config when set.
	Logger *zap.Logger
}

func load(opts Options) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Logger != nil {
		return cfg, opts.Logger, nil
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// StoreOptions maps the store section to db.Options.
func StoreOptions(cfg config.StoreConfig) db.Options {
	return db.Options{
		Driver:      cfg.Driver,
		DSN:         cfg.DSN,
		AutoMigrate: cfg.AutoMigrate,
		OpTimeout:   cfg.OpTimeout,
	}
}

// MQTTOptions maps the mqtt section to transport.MQTTOptions. role is
// appended to the client id prefix so the bridge and gateway never share a
// session.
func MQTTOptions(cfg config.MQTTConfig, role string) transport.MQTTOptions {
	prefix := cfg.ClientIDPrefix
	if prefix == "" {
		prefix = "modbus-bridge-"
	}
	clientID := cfg.ClientID
	if clientID != "" && role != "" {
		clientID += "-" + role
	}
	return transport.MQTTOptions{
		Broker:         cfg.Broker,
		ClientID:       clientID,
		ClientIDPrefix: prefix + role + "-",
		Username:       cfg.Username,
		Password:       cfg.Password,
		CleanSession:   !cfg.PersistentSession,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		PublishTimeout: cfg.PublishTimeout,
	}
}

func connectMQTT(ctx context.Context, cfg config.MQTTConfig, role string, logger *zap.Logger) (*transport.MQTTClient, error) {
	client := transport.NewMQTTClient(MQTTOptions(cfg, role), logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
