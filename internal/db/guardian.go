package db

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNotConnected is returned by Guardian.Ensure when no connection could
// be established.
var ErrNotConnected = errors.New("store not connected")

// Opener opens a fresh store connection.
type Opener func(ctx context.Context) (*DB, error)

// Guardian owns one worker's store connection. Ensure probes it before
// every operation and reconnects once when the probe fails.
type Guardian struct {
	open   Opener
	logger *zap.Logger

	mu         sync.Mutex
	conn       *DB
	stale      bool
	connected  bool
	reconnects int
}

// NewGuardian returns a Guardian that has not connected yet.
func NewGuardian(open Opener, logger *zap.Logger) *Guardian {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardian{open: open, logger: logger}
}

// NewGuardianWithOptions builds a Guardian around Open(opts).
func NewGuardianWithOptions(opts Options, logger *zap.Logger) *Guardian {
	return NewGuardian(func(ctx context.Context) (*DB, error) {
		return Open(ctx, opts)
	}, logger)
}

// Connect establishes the first connection. Failure here is fatal to the
// caller's startup.
func (g *Guardian) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}
	conn, err := g.open(ctx)
	if err != nil {
		return err
	}
	g.conn = conn
	g.connected = true
	return nil
}

// Ensure returns a live handle. An existing handle is pinged; if the ping
// fails or the handle was invalidated, exactly one reconnect is attempted.
func (g *Guardian) Ensure(ctx context.Context) (*DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil && !g.stale {
		err := g.conn.Ping(ctx)
		if err == nil {
			return g.conn, nil
		}
		g.logger.Warn("store liveness probe failed", zap.Error(err))
	}
	return g.reconnectLocked(ctx)
}

func (g *Guardian) reconnectLocked(ctx context.Context) (*DB, error) {
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	if g.connected {
		g.reconnects++
	}
	conn, err := g.open(ctx)
	if err != nil {
		g.stale = true
		g.logger.Error("store reconnect failed", zap.Error(err))
		return nil, errors.Join(ErrNotConnected, err)
	}
	g.conn = conn
	g.stale = false
	g.connected = true
	g.logger.Info("store connected", zap.Int("reconnects", g.reconnects))
	return conn, nil
}

// Invalidate marks conn unusable; the next Ensure reconnects without
// probing. It is a no-op when conn is no longer the current handle, so a
// late failure on a replaced connection does not discard its successor.
func (g *Guardian) Invalidate(conn *DB) {
	g.mu.Lock()
	if conn != nil && conn == g.conn {
		g.stale = true
	}
	g.mu.Unlock()
}

// Reconnects returns how many reconnect attempts were made after the first
// successful connection.
func (g *Guardian) Reconnects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconnects
}

// Close releases the handle.
func (g *Guardian) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
