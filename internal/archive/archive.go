// Package archive mirrors ingested telemetry into an append-only column
// store. Archiving is best effort: rows are queued without blocking the
// ingestor and a full queue rejects new rows.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/model"
)

// ErrQueueFull is returned by Handle when rows had to be dropped.
var ErrQueueFull = errors.New("archive queue full")

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("archive closed")

// Row is one archived reading.
type Row struct {
	DeviceID   int64     `ch:"device_id"`
	RegisterID int32     `ch:"register_id"`
	Value      int64     `ch:"value"`
	ObservedAt time.Time `ch:"observed_at"`
}

// Sink persists batches of rows.
type Sink interface {
	Write(ctx context.Context, rows []Row) error
	Close() error
}

// Options tunes batching.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
}

// Archiver batches rows in the background and hands them to a Sink.
type Archiver struct {
	sink          Sink
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	q      chan Row
	done   chan struct{}
}

// New starts the background writer.
func New(sink Sink, opts Options, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{
		sink:          sink,
		logger:        logger.Named("archive"),
		batchSize:     positiveOr(opts.BatchSize, 500),
		flushInterval: opts.FlushInterval,
		q:             make(chan Row, positiveOr(opts.MaxQueueSize, 10000)),
		done:          make(chan struct{}),
	}
	if a.flushInterval <= 0 {
		a.flushInterval = 5 * time.Second
	}
	go a.loop()
	return a
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Handle queues rows without blocking. Rows that do not fit are dropped
// and ErrQueueFull is returned.
func (a *Archiver) Handle(rows []model.TelemetryRow) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	for i, r := range rows {
		select {
		case a.q <- Row{
			DeviceID:   r.DeviceID,
			RegisterID: int32(r.RegisterID),
			Value:      r.Value,
			ObservedAt: r.ObservedAt.UTC(),
		}:
		default:
			a.logger.Warn("archive queue full", zap.Int("dropped", len(rows)-i))
			return ErrQueueFull
		}
	}
	return nil
}

func (a *Archiver) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	buf := make([]Row, 0, a.batchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.sink.Write(ctx, buf); err != nil {
			a.logger.Error("archive batch failed", zap.Int("rows", len(buf)), zap.Error(err))
		}
		buf = make([]Row, 0, a.batchSize)
	}

	for {
		select {
		case r, ok := <-a.q:
			if !ok {
				flush()
				return
			}
			buf = append(buf, r)
			if len(buf) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes queued rows and closes the sink.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.q)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}

// Nop discards everything. It is used when archiving is disabled.
type Nop struct{}

func (Nop) Handle([]model.TelemetryRow) error { return nil }
func (Nop) Close() error { return nil }
