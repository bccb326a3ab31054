package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/db"
	"modbus-bridge/internal/model"
	"modbus-bridge/internal/transport"
)

// Archiver receives a copy of every persisted telemetry batch. It must not
// block; failures are logged and never affect the store.
type Archiver interface {
	Handle(rows []model.TelemetryRow) error
}

// Ingestor persists inbound telemetry and refreshes the device state row.
type Ingestor struct {
	guard   *db.Guardian
	archive Archiver
	logger  *zap.Logger
	now     func() time.Time
}

// IngestorOption customizes an Ingestor.
type IngestorOption func(*Ingestor)

// WithArchiver mirrors persisted rows to a.
func WithArchiver(a Archiver) IngestorOption {
	return func(in *Ingestor) { in.archive = a }
}

// WithClock overrides the receive clock.
func WithClock(now func() time.Time) IngestorOption {
	return func(in *Ingestor) { in.now = now }
}

// NewIngestor returns an Ingestor that owns guard.
func NewIngestor(guard *db.Guardian, logger *zap.Logger, opts ...IngestorOption) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Ingestor{
		guard:  guard,
		logger: logger.Named("ingestor"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Handle is the transport callback: it processes msg and logs the outcome.
// The message is dropped on any error.
func (in *Ingestor) Handle(ctx context.Context, msg transport.Message) {
	if err := in.Process(ctx, msg.Payload); err != nil {
		fields := []zap.Field{zap.String("topic", msg.Topic), zap.Error(err)}
		if IsRetryable(err) {
			in.logger.Error("telemetry dropped", fields...)
		} else {
			in.logger.Warn("malformed telemetry dropped", fields...)
		}
	}
}

// Process ingests one telemetry document. Rows are appended before the
// state upsert; the two steps are not one transaction, so a failure between
// them leaves rows without a state refresh.
func (in *Ingestor) Process(ctx context.Context, payload []byte) error {
	t, err := DecodeTelemetry(payload)
	if err != nil {
		return &Error{Kind: KindMalformed, Op: "decode", Err: err}
	}

	store, err := in.guard.Ensure(ctx)
	if err != nil {
		return &Error{Kind: KindStore, Op: "connect", DeviceID: t.DeviceID, Err: err}
	}

	at := in.now().UTC()
	rows := t.Rows(at)
	if err := store.AppendTelemetry(ctx, rows); err != nil {
		return storeFailure(in.guard, store, "append telemetry", t.DeviceID, err)
	}
	if in.archive != nil {
		if err := in.archive.Handle(rows); err != nil {
			in.logger.Warn("archive rejected telemetry", zap.Int64("device_id", t.DeviceID), zap.Error(err))
		}
	}

	out0, out1 := t.Output(model.RegOutput0), t.Output(model.RegOutput1)
	if err := store.UpsertObserved(ctx, t.DeviceID, out0, out1, at); err != nil {
		return storeFailure(in.guard, store, "upsert state", t.DeviceID, err)
	}

	in.logger.Debug("telemetry stored",
		zap.Int64("device_id", t.DeviceID),
		zap.Int("registers", len(rows)),
		zap.Int("output0", out0),
		zap.Int("output1", out1),
	)
	return nil
}
