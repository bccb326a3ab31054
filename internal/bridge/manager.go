package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/db"
	"modbus-bridge/internal/transport"
)

// Manager runs the ingestor and the dispatcher side by side. Each worker
// owns its own store connection through a separate Guardian.
type Manager struct {
	Cfg           config.Config
	Client        transport.Client
	IngestGuard   *db.Guardian
	DispatchGuard *db.Guardian
	Archive       Archiver // optional
	Logger        *zap.Logger

	// ShutdownGrace bounds how long Run waits for workers after ctx ends.
	ShutdownGrace time.Duration
}

// Run subscribes the ingestor, starts the dispatcher loop and blocks until
// ctx is cancelled. A failed subscription is returned immediately.
func (m *Manager) Run(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.IngestGuard == m.DispatchGuard {
		return fmt.Errorf("ingestor and dispatcher must not share a store connection")
	}
	qos := transport.QoS(m.Cfg.MQTT.QoS)

	var opts []IngestorOption
	if m.Archive != nil {
		opts = append(opts, WithArchiver(m.Archive))
	}
	ingestor := NewIngestor(m.IngestGuard, logger, opts...)
	if err := m.Client.Subscribe(ctx, m.Cfg.MQTT.TelemetryTopic, qos, ingestor.Handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.Cfg.MQTT.TelemetryTopic, err)
	}
	logger.Info("listening for telemetry", zap.String("topic", m.Cfg.MQTT.TelemetryTopic))

	dispatcher := NewDispatcher(m.DispatchGuard, m.Client, DispatcherConfig{
		ControlPrefix: m.Cfg.MQTT.ControlPrefix,
		QoS:           qos,
		Interval:      m.Cfg.Dispatcher.Interval,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	grace := m.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("timeout waiting for dispatcher to stop")
	}
	return nil
}
