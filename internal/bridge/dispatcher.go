package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/db"
	"modbus-bridge/internal/transport"
)

// Dispatcher republishes operator commands flagged in the store as retained
// control messages and acknowledges them once published.
type Dispatcher struct {
	guard         *db.Guardian
	client        transport.Client
	controlPrefix string
	qos           transport.QoS
	interval      time.Duration
	logger        *zap.Logger
}

// DispatcherConfig holds the dispatch settings.
type DispatcherConfig struct {
	ControlPrefix string
	QoS           transport.QoS
	Interval      time.Duration
}

// TickReport summarizes one scan.
type TickReport struct {
	Pending   int
	Published int
	Cleared   int
	Failed    int
	// Err is set when a store failure aborted the tick.
	Err error
}

// NewDispatcher returns a Dispatcher that owns guard.
func NewDispatcher(guard *db.Guardian, client transport.Client, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ControlPrefix == "" {
		cfg.ControlPrefix = "control/slave"
	}
	if cfg.QoS < transport.AtLeastOnce {
		cfg.QoS = transport.AtLeastOnce
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Dispatcher{
		guard:         guard,
		client:        client,
		controlPrefix: cfg.ControlPrefix,
		qos:           cfg.QoS,
		interval:      cfg.Interval,
		logger:        logger.Named("dispatcher"),
	}
}

// Run scans every interval until ctx is cancelled. Ticks never overlap.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Immediate first run
	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopping dispatcher")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one scan. A publish failure only skips that device; its
// flag stays set and it is retried next tick. A store failure aborts the
// tick.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	var rep TickReport

	store, err := d.guard.Ensure(ctx)
	if err != nil {
		rep.Err = &Error{Kind: KindStore, Op: "connect", Err: err}
		d.logger.Error("dispatch tick aborted", zap.Error(rep.Err))
		return rep
	}

	pending, err := store.PendingCommands(ctx)
	if err != nil {
		rep.Err = storeFailure(d.guard, store, "scan pending", 0, err)
		d.logger.Error("dispatch tick aborted", zap.Error(rep.Err))
		return rep
	}
	rep.Pending = len(pending)

	for _, st := range pending {
		if ctx.Err() != nil {
			return rep
		}
		log := d.logger.With(zap.Int64("device_id", st.DeviceID))
		cmd := ControlFor(st)
		payload, err := cmd.Encode()
		if err != nil {
			rep.Failed++
			log.Error("encode command", zap.Error(err))
			continue
		}
		topic := ControlTopic(d.controlPrefix, st.DeviceID)
		if err := d.client.Publish(ctx, topic, payload, d.qos, true); err != nil {
			rep.Failed++
			err = &Error{Kind: KindTransport, Op: "publish", DeviceID: st.DeviceID, Err: err}
			log.Warn("publish command failed; will retry", zap.String("topic", topic), zap.Error(err))
			continue
		}
		rep.Published++

		cleared, err := store.ClearPending(ctx, st)
		if err != nil {
			rep.Err = storeFailure(d.guard, store, "clear pending", st.DeviceID, err)
			log.Error("dispatch tick aborted", zap.Error(rep.Err))
			return rep
		}
		if !cleared {
			log.Info("command changed during dispatch; resending next tick")
			continue
		}
		rep.Cleared++
		log.Info("command dispatched",
			zap.String("topic", topic),
			zap.Int("device0", cmd.Device0),
			zap.Int("device1", cmd.Device1),
		)
	}
	return rep
}
